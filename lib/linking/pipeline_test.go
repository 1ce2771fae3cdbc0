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

package linking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/matcher"
	"github.com/antflydb/linker/lib/ops"
	"github.com/antflydb/linker/lib/tagger"
	"github.com/antflydb/linker/lib/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingModel struct {
	encoder.Model
	calls atomic.Int32
}

func (c *countingModel) Forward(ctx context.Context, inputs *encoder.Inputs) (*encoder.Output, error) {
	c.calls.Add(1)
	return c.Model.Forward(ctx, inputs)
}

type fixture struct {
	pipeline *Pipeline
	tagEnc   *countingModel
	matchEnc *countingModel
}

// newFixture builds a pipeline over the characters x a b y c where "a" marks a
// mention start and "b" a mention end. The matcher prefers candidates whose
// description contains more "a".
func newFixture(t *testing.T, records []kb.Record) *fixture {
	t.Helper()
	v := vocab.NewCharVocab([]string{"x", "a", "b", "y", "c"})

	static, err := encoder.NewStaticModel(encoder.StaticWeights{
		HiddenSize: 2,
		TokenEmbeddings: [][]float32{
			{0, 0}, // padding
			{0, 0}, // unknown
			{0, 0}, // x
			{1, 0}, // a
			{0, 1}, // b
			{0, 0}, // y
			{0, 0}, // c
		},
	})
	require.NoError(t, err)

	f := &fixture{
		tagEnc:   &countingModel{Model: static},
		matchEnc: &countingModel{Model: static},
	}
	logger := zaptest.NewLogger(t)

	tg, err := tagger.New(f.tagEnc, tagger.Weights{
		Start: ops.Linear{Weight: []float32{20, 0}, Bias: -10},
		End:   ops.Linear{Weight: []float32{0, 20}, Bias: -10},
	}, logger)
	require.NoError(t, err)

	mt, err := matcher.New(f.matchEnc, matcher.Weights{
		W:   [][]float32{{0, 0}, {0, 0}, {0, 0}},
		Out: ops.Linear{Weight: []float32{0, 0, 4, 0, 0, 0}},
	}, logger)
	require.NoError(t, err)

	f.pipeline = New(v, kb.Build(records), tg, mt, logger)
	return f
}

func record(id, alias, summary string) kb.Record {
	return kb.Record{
		ID:         id,
		Name:       alias,
		Attributes: []kb.Attribute{{Key: "summary", Value: summary}},
	}
}

func TestExtract_SingleCandidate(t *testing.T) {
	f := newFixture(t, []kb.Record{record("E1", "ab", "cab")})

	results, err := f.pipeline.Extract(context.Background(), "xaby")
	require.NoError(t, err)
	assert.Equal(t, []Result{{Mention: "ab", Offset: 1, EntityID: "E1"}}, results)
	assert.Equal(t, int32(1), f.tagEnc.calls.Load())
	assert.Equal(t, int32(1), f.matchEnc.calls.Load())
}

func TestExtract_KeepsOriginalSurface(t *testing.T) {
	f := newFixture(t, []kb.Record{record("E1", "ab", "cab")})

	results, err := f.pipeline.Extract(context.Background(), "XABY")
	require.NoError(t, err)
	assert.Equal(t, []Result{{Mention: "AB", Offset: 1, EntityID: "E1"}}, results)
}

func TestExtract_NoCandidates(t *testing.T) {
	f := newFixture(t, []kb.Record{record("E1", "yy", "cab")})

	results, err := f.pipeline.Extract(context.Background(), "xaby")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, f.matchEnc.calls.Load(), "matcher is skipped without candidates")
}

func TestExtract_NoSpans(t *testing.T) {
	f := newFixture(t, []kb.Record{record("E1", "ab", "cab")})

	results, err := f.pipeline.Extract(context.Background(), "xycy")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(1), f.tagEnc.calls.Load())
	assert.Zero(t, f.matchEnc.calls.Load())

	results, err = f.pipeline.Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExtract_PicksHighestScoringCandidate(t *testing.T) {
	f := newFixture(t, []kb.Record{
		record("E1", "ab", "cccc"),
		record("E2", "ab", "aaac"),
		record("E3", "ab", "cacc"),
	})

	results, err := f.pipeline.Extract(context.Background(), "xaby")
	require.NoError(t, err)
	assert.Equal(t, []Result{{Mention: "ab", Offset: 1, EntityID: "E2"}}, results)
	assert.Equal(t, int32(1), f.matchEnc.calls.Load(), "all candidates share one matcher call")
}

func TestExtract_TieGoesToFirstCandidate(t *testing.T) {
	f := newFixture(t, []kb.Record{
		record("E1", "ab", "cc"),
		record("E2", "ab", "cc"),
	})

	results, err := f.pipeline.Extract(context.Background(), "xaby")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "E1", results[0].EntityID)
}

func TestExtract_MultipleSpans(t *testing.T) {
	f := newFixture(t, []kb.Record{
		record("E1", "ab", "cab"),
		record("E2", "axb", "cab"),
		record("E3", "ayb", "aab"),
	})

	// Spans: "ab" at 0 and "axb" at 3; "ayb" never decodes here.
	results, err := f.pipeline.Extract(context.Background(), "abyaxb")
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Mention: "ab", Offset: 0, EntityID: "E1"},
		{Mention: "axb", Offset: 3, EntityID: "E2"},
	}, results)
	assert.Equal(t, int32(1), f.tagEnc.calls.Load())
	assert.Equal(t, int32(1), f.matchEnc.calls.Load())
}

type brokenIndex struct{}

func (brokenIndex) Entry(id string) (kb.Entry, error) {
	return kb.Entry{}, fmt.Errorf("entry %s: %w", id, kb.ErrNotFound)
}

func (brokenIndex) Candidates(string) []string { return []string{"ghost"} }

func TestExtract_MissingEntryIsAnError(t *testing.T) {
	f := newFixture(t, nil)
	f.pipeline.index = brokenIndex{}

	_, err := f.pipeline.Extract(context.Background(), "xaby")
	assert.ErrorIs(t, err, kb.ErrNotFound)
	assert.Zero(t, f.matchEnc.calls.Load())
}

func TestMentions(t *testing.T) {
	f := newFixture(t, nil)

	mentions, err := f.pipeline.Mentions(context.Background(), "aXbaab")
	require.NoError(t, err)
	assert.Equal(t, []Mention{
		{Span: tagger.Span{Start: 0, End: 3}, Text: "aXb"},
		{Span: tagger.Span{Start: 3, End: 6}, Text: "aab"},
		{Span: tagger.Span{Start: 4, End: 6}, Text: "ab"},
	}, mentions)
	assert.Zero(t, f.matchEnc.calls.Load())
}

func TestSelectBest(t *testing.T) {
	assert.Equal(t, 1, SelectBest([]float32{0.2, 0.9, 0.9}))
	assert.Equal(t, 0, SelectBest([]float32{0.5}))
	assert.Equal(t, -1, SelectBest(nil))
}

func TestGroupScores_ExplicitKeys(t *testing.T) {
	s1 := tagger.Span{Start: 0, End: 2}
	s2 := tagger.Span{Start: 3, End: 4}
	rows := []candidateRow{
		{span: s1, entityID: "a"},
		{span: s2, entityID: "b"},
		{span: s1, entityID: "c"},
	}
	groups := groupScores(rows, []float32{0.1, 0.5, 0.7})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "c"}, groups[s1].ids)
	assert.Equal(t, []float32{0.1, 0.7}, groups[s1].scores)
	assert.Equal(t, []string{"b"}, groups[s2].ids)
}

func TestDedupe(t *testing.T) {
	got := dedupe([]Result{
		{Mention: "b", Offset: 4, EntityID: "2"},
		{Mention: "a", Offset: 1, EntityID: "1"},
		{Mention: "b", Offset: 4, EntityID: "2"},
	})
	assert.Equal(t, []Result{
		{Mention: "a", Offset: 1, EntityID: "1"},
		{Mention: "b", Offset: 4, EntityID: "2"},
	}, got)
}

func TestLoadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tagger": {"start": {"weight": [1, 2], "bias": 0.5}, "end": {"weight": [3, 4], "bias": 0}},
		"matcher": {"w": [[1, 0], [0, 1], [0, 0]], "out": {"weight": [1, 1, 1, 1, 1, 1], "bias": 0}}
	}`), 0o644))

	w, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, w.Tagger.Start.Weight)
	assert.InDelta(t, 0.5, w.Tagger.Start.Bias, 1e-6)
	require.NoError(t, w.Matcher.Validate(2))

	_, err = LoadWeights(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
