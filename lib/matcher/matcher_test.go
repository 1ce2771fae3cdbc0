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

package matcher

import (
	"context"
	"math"
	"testing"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEncoder struct {
	hidden int
	out    *encoder.Output
	calls  int
}

func (f *fakeEncoder) Forward(_ context.Context, _ *encoder.Inputs) (*encoder.Output, error) {
	f.calls++
	return f.out, nil
}

func (f *fakeEncoder) HiddenSize() int              { return f.hidden }
func (f *fakeEncoder) Close() error                 { return nil }
func (f *fakeEncoder) Name() string                 { return "fake" }
func (f *fakeEncoder) Backend() encoder.BackendType { return encoder.BackendStatic }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// fusedOnly outputs sigmoid(fused) for hidden size 1.
func fusedOnly(w [][]float32) Weights {
	return Weights{W: w, Out: ops.Linear{Weight: []float32{0, 0, 1}}}
}

func candidates(rows, seq int, mask [][]int32) *encoder.Inputs {
	ids := make([][]int32, rows)
	segs := make([][]int32, rows)
	for r := range ids {
		ids[r] = make([]int32, seq)
		segs[r] = make([]int32, seq)
	}
	return &encoder.Inputs{InputIDs: ids, TokenTypeIDs: segs, AttentionMask: mask}
}

func TestMatcher_Score(t *testing.T) {
	enc := &fakeEncoder{hidden: 1, out: &encoder.Output{
		LastHiddenState: [][][]float32{
			{{2}, {5}},
			{{2}, {4}},
		},
		Pooled: [][]float32{{0}, {0}},
	}}
	m, err := New(enc, fusedOnly([][]float32{{1}, {0}}), zaptest.NewLogger(t))
	require.NoError(t, err)

	scores, err := m.Score(context.Background(), &Batch{
		TextHidden: [][]float32{{1}, {1}},
		TextPooled: []float32{0},
		TextMask:   []int32{1, 1},
		Indicators: [][]float32{{1, 0}, {1, 0}},
		Candidates: candidates(2, 2, [][]int32{{1, 0}, {1, 1}}),
	})
	require.NoError(t, err)
	require.Len(t, scores, 2)

	// Row 0: candidate padding is masked, attention falls entirely on the value 2.
	assert.InDelta(t, sigmoid(2), scores[0], 1e-4)

	// Row 1: softmax([2, 4]) over values [2, 4].
	a := math.Exp(2) / (math.Exp(2) + math.Exp(4))
	assert.InDelta(t, sigmoid(2*a+4*(1-a)), scores[1], 1e-4)
	assert.Equal(t, 1, enc.calls, "descriptions are encoded in a single call")
}

func TestMatcher_IndicatorChannel(t *testing.T) {
	enc := &fakeEncoder{hidden: 1, out: &encoder.Output{
		LastHiddenState: [][][]float32{{{1}, {3}}, {{1}, {3}}},
		Pooled:          [][]float32{{0}, {0}},
	}}
	// Only the indicator drives attention.
	m, err := New(enc, fusedOnly([][]float32{{0}, {1}}), nil)
	require.NoError(t, err)

	scores, err := m.Score(context.Background(), &Batch{
		TextHidden: [][]float32{{1}, {1}},
		TextPooled: []float32{0},
		TextMask:   []int32{1, 1},
		Indicators: [][]float32{{1, 0}, {0, 0}},
		Candidates: candidates(2, 2, [][]int32{{1, 1}, {1, 1}}),
	})
	require.NoError(t, err)

	a := math.Exp(1) / (math.Exp(1) + math.Exp(3))
	assert.InDelta(t, sigmoid(a+3*(1-a)), scores[0], 1e-4)
	assert.InDelta(t, sigmoid(2), scores[1], 1e-4, "no indicator gives uniform attention")
	assert.Greater(t, scores[0], scores[1])
}

func TestMatcher_TextPaddingIgnored(t *testing.T) {
	enc := &fakeEncoder{hidden: 1, out: &encoder.Output{
		LastHiddenState: [][][]float32{{{1}, {3}}},
		Pooled:          [][]float32{{0}},
	}}
	m, err := New(enc, fusedOnly([][]float32{{1}, {0}}), nil)
	require.NoError(t, err)

	scores, err := m.Score(context.Background(), &Batch{
		TextHidden: [][]float32{{1}, {100}},
		TextPooled: []float32{0},
		TextMask:   []int32{1, 0},
		Indicators: [][]float32{{1, 0}},
		Candidates: candidates(1, 2, [][]int32{{1, 1}}),
	})
	require.NoError(t, err)

	a := math.Exp(1) / (math.Exp(1) + math.Exp(3))
	assert.InDelta(t, sigmoid(a+3*(1-a)), scores[0], 1e-4)
}

func TestMatcher_PooledFeatures(t *testing.T) {
	enc := &fakeEncoder{hidden: 1, out: &encoder.Output{
		LastHiddenState: [][][]float32{{{0}}},
		Pooled:          [][]float32{{2}},
	}}
	m, err := New(enc, Weights{
		W:   [][]float32{{0}, {0}},
		Out: ops.Linear{Weight: []float32{1, -1, 0}, Bias: 0.5},
	}, nil)
	require.NoError(t, err)

	scores, err := m.Score(context.Background(), &Batch{
		TextHidden: [][]float32{{0}},
		TextPooled: []float32{3},
		TextMask:   []int32{1},
		Indicators: [][]float32{{1}},
		Candidates: candidates(1, 1, [][]int32{{1}}),
	})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(3-2+0.5), scores[0], 1e-4)
}

func TestMatcher_RejectsInvalidBatch(t *testing.T) {
	enc := &fakeEncoder{hidden: 1}
	m, err := New(enc, fusedOnly([][]float32{{1}, {0}}), nil)
	require.NoError(t, err)

	_, err = m.Score(context.Background(), &Batch{
		TextHidden: [][]float32{{1}},
		TextPooled: []float32{0},
		TextMask:   []int32{1},
		Indicators: [][]float32{{1}, {1}},
		Candidates: candidates(1, 1, [][]int32{{1}}),
	})
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = m.Score(context.Background(), &Batch{})
	assert.ErrorIs(t, err, ErrInvalidBatch)
	assert.Zero(t, enc.calls)
}

func TestNew_ValidatesWeights(t *testing.T) {
	enc := &fakeEncoder{hidden: 2}
	_, err := New(enc, Weights{W: [][]float32{{1, 0}, {0, 1}}}, nil)
	assert.ErrorContains(t, err, "attention matrix has 2 rows, want 3")
}
