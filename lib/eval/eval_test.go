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

package eval

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/antflydb/linker/lib/linking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadExamples(t *testing.T) {
	input := `{"text_id":"1","text":"Nanjing Yangtze Bridge","mention_data":[{"kb_id":"311223","mention":"Nanjing","offset":"0"},{"kb_id":"NIL","mention":"Yangtze","offset":"8"}]}

{"text":"abc","mention_data":[{"kb_id":"7","mention":"B","offset":1}]}
`
	examples, err := LoadExamples(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, examples, 2)

	assert.Equal(t, "nanjing yangtze bridge", examples[0].Text)
	assert.Equal(t, []linking.Result{{Mention: "nanjing", Offset: 0, EntityID: "311223"}}, examples[0].Mentions)
	assert.Equal(t, []linking.Result{{Mention: "b", Offset: 1, EntityID: "7"}}, examples[1].Mentions)
}

func TestLoadExamples_BadOffset(t *testing.T) {
	_, err := LoadExamples(context.Background(), strings.NewReader(`{"text":"a","mention_data":[{"kb_id":"1","mention":"a","offset":"x"}]}`))
	assert.ErrorContains(t, err, "line 1")
}

func TestScorer(t *testing.T) {
	var s Scorer
	gold := []linking.Result{{Mention: "ab", Offset: 0, EntityID: "1"}, {Mention: "cd", Offset: 3, EntityID: "2"}}

	assert.True(t, s.Add("ab cd", gold, gold))
	assert.False(t, s.Add("ab cd", []linking.Result{
		{Mention: "AB", Offset: 0, EntityID: "1"},
		{Mention: "cd", Offset: 3, EntityID: "9"},
		{Mention: "cd", Offset: 3, EntityID: "9"},
	}, gold))

	m := s.Metrics()
	assert.Equal(t, 3, m.Correct)
	assert.Equal(t, 4, m.Predicted, "duplicate predictions count once")
	assert.Equal(t, 4, m.Gold)
	assert.InDelta(t, 0.75, m.Precision, 1e-9)
	assert.InDelta(t, 0.75, m.Recall, 1e-9)
	assert.InDelta(t, 0.75, m.F1, 1e-9)

	r := s.Report()
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "ab cd", r.Errors[0].Text)
}

func TestScorer_EmptyIsDefined(t *testing.T) {
	var s Scorer
	m := s.Metrics()
	assert.InDelta(t, 1, m.Precision, 1e-9)
	assert.InDelta(t, 1, m.F1, 1e-9)
}

type fakeExtractor struct {
	results map[string][]linking.Result
	batches int
}

func (f *fakeExtractor) ExtractBatch(_ context.Context, texts []string) ([][]linking.Result, error) {
	f.batches++
	out := make([][]linking.Result, len(texts))
	for i, text := range texts {
		out[i] = f.results[text]
	}
	return out, nil
}

func TestRun(t *testing.T) {
	examples := []Example{
		{Text: "a", Mentions: []linking.Result{{Mention: "a", Offset: 0, EntityID: "1"}}},
		{Text: "b", Mentions: []linking.Result{{Mention: "b", Offset: 0, EntityID: "2"}}},
		{Text: "c"},
	}
	ex := &fakeExtractor{results: map[string][]linking.Result{
		"a": {{Mention: "a", Offset: 0, EntityID: "1"}},
		"c": {{Mention: "c", Offset: 0, EntityID: "3"}},
	}}

	report, err := Run(context.Background(), ex, examples, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, ex.batches)
	assert.Equal(t, 1, report.Correct)
	assert.Equal(t, 2, report.Predicted)
	assert.Equal(t, 2, report.Gold)
	assert.Len(t, report.Errors, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, report))
	assert.Contains(t, buf.String(), `"f1"`)
	assert.Contains(t, buf.String(), `"predict"`)
}
