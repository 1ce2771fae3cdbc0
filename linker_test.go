// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/linking"
	"github.com/antflydb/linker/lib/matcher"
	"github.com/antflydb/linker/lib/ops"
	"github.com/antflydb/linker/lib/tagger"
	"github.com/antflydb/linker/lib/vocab"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLinker struct {
	results map[string][]linking.Result
	err     error
	calls   atomic.Int32
}

func (f *fakeLinker) ExtractBatch(_ context.Context, texts []string) ([][]linking.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]linking.Result, len(texts))
	for i, text := range texts {
		out[i] = f.results[text]
	}
	return out, nil
}

func (f *fakeLinker) Mentions(_ context.Context, text string) ([]linking.Mention, error) {
	if f.err != nil {
		return nil, f.err
	}
	var mentions []linking.Mention
	for _, r := range f.results[text] {
		mentions = append(mentions, linking.Mention{
			Span: tagger.Span{Start: r.Offset, End: r.Offset + len([]rune(r.Mention))},
			Text: r.Mention,
		})
	}
	return mentions, nil
}

func testIndex() *kb.Index {
	return kb.Build([]kb.Record{
		{ID: "E1", Name: "Apple", Attributes: []kb.Attribute{{Key: "summary", Value: "A fruit."}}},
		{ID: "E2", Name: "apple", Aliases: []string{"AAPL"}, Attributes: []kb.Attribute{{Key: "industry", Value: "tech"}}},
	})
}

func newTestServer(t *testing.T, l *fakeLinker, cache bool) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	var cl *CachedLinker
	if cache {
		cl = NewCachedLinker(l, 0, logger)
		t.Cleanup(cl.Close)
	}
	node := NewLinkerNode(logger, testIndex(), l, l, cl, 1, 2)
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLinkTexts(t *testing.T) {
	l := &fakeLinker{results: map[string][]linking.Result{
		"i like apple": {{Mention: "apple", Offset: 7, EntityID: "E1"}},
	}}
	srv := newTestServer(t, l, false)

	resp := postJSON(t, srv.URL+"/api/link", `{"texts":["i like apple","nothing"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got LinkResponse
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, [][]linking.Result{
		{{Mention: "apple", Offset: 7, EntityID: "E1"}},
		{},
	}, got.Results)
}

func TestLinkTexts_Validation(t *testing.T) {
	srv := newTestServer(t, &fakeLinker{}, false)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"texts":`},
		{"no texts", `{"texts":[]}`},
		{"too many texts", `{"texts":["a","b","c"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/link", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestLinkTexts_Errors(t *testing.T) {
	srv := newTestServer(t, &fakeLinker{err: errors.New("boom")}, false)
	resp := postJSON(t, srv.URL+"/api/link", `{"texts":["a"]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	srv = newTestServer(t, &fakeLinker{err: linking.ErrClosed}, false)
	resp = postJSON(t, srv.URL+"/api/link", `{"texts":["a"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLinkTexts_Cached(t *testing.T) {
	l := &fakeLinker{results: map[string][]linking.Result{
		"apple": {{Mention: "apple", Offset: 0, EntityID: "E1"}},
	}}
	srv := newTestServer(t, l, true)

	for range 3 {
		resp := postJSON(t, srv.URL+"/api/link", `{"texts":["apple"]}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, int32(1), l.calls.Load())

	resp := postJSON(t, srv.URL+"/api/link", `{"texts":["apple","pear"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), l.calls.Load())
}

func TestLinkTexts_CachedRowsUnchanged(t *testing.T) {
	l := &fakeLinker{}
	logger := zaptest.NewLogger(t)
	cl := NewCachedLinker(l, 0, logger)
	t.Cleanup(cl.Close)
	node := NewLinkerNode(logger, testIndex(), l, l, cl, 1, 2)
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/api/link", `{"texts":["nothing"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got LinkResponse
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, [][]linking.Result{{}}, got.Results)

	cached, err := cl.ExtractBatch(context.Background(), []string{"nothing"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), l.calls.Load())
	require.Len(t, cached, 1)
	assert.Nil(t, cached[0])
}

func TestFindMentions(t *testing.T) {
	l := &fakeLinker{results: map[string][]linking.Result{
		"i like apple": {{Mention: "apple", Offset: 7, EntityID: "E1"}},
	}}
	srv := newTestServer(t, l, false)

	resp := postJSON(t, srv.URL+"/api/mentions", `{"text":"i like apple"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got MentionsResponse
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Mentions, 1)
	assert.Equal(t, tagger.Span{Start: 7, End: 12}, got.Mentions[0].Span)
}

func TestListCandidates(t *testing.T) {
	srv := newTestServer(t, &fakeLinker{}, false)

	resp, err := http.Get(srv.URL + "/api/candidates?alias=APPLE")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got CandidatesResponse
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "apple", got.Alias)
	require.Len(t, got.Candidates, 2)
	assert.Equal(t, "E1", got.Candidates[0].ID)
	assert.Equal(t, "a fruit.", got.Candidates[0].Description)
	assert.Equal(t, "industry:tech\n", got.Candidates[1].Description)

	resp2, err := http.Get(srv.URL + "/api/candidates")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestGetEntry(t *testing.T) {
	srv := newTestServer(t, &fakeLinker{}, false)

	resp, err := http.Get(srv.URL + "/api/entries/E2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry kb.Entry
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, []string{"aapl", "apple"}, entry.Aliases)

	resp2, err := http.Get(srv.URL + "/api/entries/E9")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeLinker{}, true)

	for _, path := range []string{"/healthz", "/readyz", "/api/version"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	empty := NewLinkerNode(zaptest.NewLogger(t), kb.Build(nil), &fakeLinker{}, &fakeLinker{}, nil, 1, 0)
	rec := httptest.NewRecorder()
	empty.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocab, knowledge_base, weights, tagger_encoder")

	cfg = Config{Vocab: "vocab.txt", KnowledgeBase: "kb", Weights: "w", TaggerEncoder: "static:e"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, VocabTypeBert, cfg.VocabType)
	assert.Equal(t, DefaultApiUrl, cfg.ApiUrl)
	assert.Equal(t, EncodingCacheNone, cfg.EncodingCache.Backend)

	cfg.EncodingCache.Backend = EncodingCacheRedis
	assert.Error(t, cfg.Validate())

	cfg.EncodingCache.Backend = "disk"
	assert.Error(t, cfg.Validate())
}

func TestConfigValidate_Threshold(t *testing.T) {
	threshold := func(v float64) *float64 { return &v }
	tests := []struct {
		name      string
		threshold *float64
		wantErr   bool
	}{
		{"unset", nil, false},
		{"zero", threshold(0), false},
		{"half", threshold(0.5), false},
		{"negative", threshold(-0.1), true},
		{"one", threshold(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Vocab: "v.json", KnowledgeBase: "kb", Weights: "w", TaggerEncoder: "static:e", Threshold: tt.threshold}
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorContains(t, err, "threshold")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := sonic.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// writeComponentFiles writes a two-entry knowledge base with matching vocabulary,
// encoder and weights, and returns a config pointing at them.
func writeComponentFiles(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	vocabPath := filepath.Join(dir, "chars.json")
	require.NoError(t, vocab.NewCharVocab([]string{"x", "a", "b", "y", "c"}).SaveFile(vocabPath))

	var lines bytes.Buffer
	for _, rec := range []kb.Record{
		{ID: "E1", Name: "ab", Attributes: []kb.Attribute{{Key: "summary", Value: "cab"}}},
		{ID: "E2", Name: "axb", Attributes: []kb.Attribute{{Key: "summary", Value: "aab"}}},
	} {
		data, err := sonic.Marshal(rec)
		require.NoError(t, err)
		lines.Write(data)
		lines.WriteByte('\n')
	}
	kbPath := filepath.Join(dir, "kb_data")
	require.NoError(t, os.WriteFile(kbPath, lines.Bytes(), 0o644))

	encPath := filepath.Join(dir, "encoder.json")
	writeJSON(t, encPath, encoder.StaticWeights{
		HiddenSize:      2,
		TokenEmbeddings: [][]float32{{0, 0}, {0, 0}, {0, 0}, {1, 0}, {0, 1}, {0, 0}, {0, 0}},
	})

	weightsPath := filepath.Join(dir, "weights.json")
	writeJSON(t, weightsPath, linking.Weights{
		Tagger: tagger.Weights{
			Start: ops.Linear{Weight: []float32{20, 0}, Bias: -10},
			End:   ops.Linear{Weight: []float32{0, 20}, Bias: -10},
		},
		Matcher: matcher.Weights{
			W:   [][]float32{{0, 0}, {0, 0}, {0, 0}},
			Out: ops.Linear{Weight: []float32{0, 0, 1, 0, 0, 0}},
		},
	})

	return Config{
		Vocab:         vocabPath,
		KnowledgeBase: kbPath,
		Weights:       weightsPath,
		TaggerEncoder: "static:" + encPath,
	}
}

func TestLoadComponents(t *testing.T) {
	cfg := writeComponentFiles(t)
	cfg.PoolSize = 2
	cfg.EncodingCache = EncodingCacheConfig{Backend: EncodingCacheMemory, Capacity: 10}
	require.NoError(t, cfg.Validate())

	c, err := LoadComponents(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 2, c.Index.Len())
	assert.Equal(t, 2, c.Linker.PoolSize())

	results, err := c.Linker.ExtractBatch(context.Background(), []string{"xaby", "yaxb", "yyy"})
	require.NoError(t, err)
	assert.Equal(t, [][]linking.Result{
		{{Mention: "ab", Offset: 1, EntityID: "E1"}},
		{{Mention: "axb", Offset: 1, EntityID: "E2"}},
		nil,
	}, results)
}

func TestLoadComponents_EncodersPerPipeline(t *testing.T) {
	cfg := writeComponentFiles(t)
	cfg.PoolSize = 3
	require.NoError(t, cfg.Validate())

	c, err := LoadComponents(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.pipelines, 3)
	require.Len(t, c.encoders, 3, "tagger and matcher share a reference, so one encoder per pipeline")
	for i := range c.encoders {
		for j := i + 1; j < len(c.encoders); j++ {
			assert.NotSame(t, c.encoders[i], c.encoders[j])
		}
	}

	cfg.MatcherEncoder = "static:" + filepath.Join(t.TempDir(), "missing.json")
	_, err = LoadComponents(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "opening matcher encoder")
}

func TestLoadComponents_Threshold(t *testing.T) {
	cfg := writeComponentFiles(t)
	cfg.PoolSize = 1
	require.NoError(t, cfg.Validate())

	c, err := LoadComponents(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, tagger.DefaultThreshold, c.pipelines[0].Threshold())
	require.NoError(t, c.Close())

	zero := 0.0
	cfg.Threshold = &zero
	require.NoError(t, cfg.Validate())
	c, err = LoadComponents(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, float32(0), c.pipelines[0].Threshold())
}

func TestLoadComponents_MissingFiles(t *testing.T) {
	cfg := Config{
		Vocab:         filepath.Join(t.TempDir(), "missing.json"),
		KnowledgeBase: "kb",
		Weights:       "w",
		TaggerEncoder: "static:e",
	}
	require.NoError(t, cfg.Validate())
	_, err := LoadComponents(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "loading vocabulary")
}
