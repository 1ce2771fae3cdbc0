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

package encoder

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/bytedance/sonic"
)

func init() {
	RegisterBackend(&staticBackend{})
}

type staticBackend struct{}

func (b *staticBackend) Type() BackendType   { return BackendStatic }
func (b *staticBackend) Name() string        { return "Static embeddings (pure Go)" }
func (b *staticBackend) Available() bool     { return true }
func (b *staticBackend) Priority() int       { return 10 }
func (b *staticBackend) Loader() ModelLoader { return staticLoader{} }

type staticLoader struct{}

func (staticLoader) Load(_ context.Context, location string) (Model, error) {
	return LoadStaticModel(location)
}

func (staticLoader) Backend() BackendType { return BackendStatic }

// Pooler is a dense tanh layer applied to the first position, BERT style.
// Weight is [hidden, hidden] (output rows), Bias is [hidden].
type Pooler struct {
	Weight [][]float32 `json:"weight"`
	Bias   []float32   `json:"bias"`
}

// StaticWeights is the on-disk form of a static encoder.
type StaticWeights struct {
	Name              string          `json:"name,omitempty"`
	HiddenSize        int             `json:"hidden_size"`
	TokenEmbeddings   [][]float32     `json:"token_embeddings"`
	SegmentEmbeddings [][]float32     `json:"segment_embeddings,omitempty"`
	Pooler            *Pooler         `json:"pooler,omitempty"`
	Pooling           PoolingStrategy `json:"pooling,omitempty"`
}

var _ Model = (*StaticModel)(nil)

// StaticModel encodes each position as the sum of its token and segment embeddings.
// The pooled vector comes from the pooler when present, otherwise from Pool.
// It holds no mutable state and is safe for concurrent use.
type StaticModel struct {
	name    string
	weights StaticWeights
}

// NewStaticModel validates weights and builds the model.
func NewStaticModel(weights StaticWeights) (*StaticModel, error) {
	h := weights.HiddenSize
	if h <= 0 {
		return nil, fmt.Errorf("hidden size must be positive, got %d", h)
	}
	if len(weights.TokenEmbeddings) == 0 {
		return nil, fmt.Errorf("token embedding table is empty")
	}
	for i, row := range weights.TokenEmbeddings {
		if len(row) != h {
			return nil, fmt.Errorf("token embedding %d has %d features, want %d", i, len(row), h)
		}
	}
	for i, row := range weights.SegmentEmbeddings {
		if len(row) != h {
			return nil, fmt.Errorf("segment embedding %d has %d features, want %d", i, len(row), h)
		}
	}
	if p := weights.Pooler; p != nil {
		if len(p.Weight) != h || len(p.Bias) != h {
			return nil, fmt.Errorf("pooler must be %dx%d with %d biases", h, h, h)
		}
		for i, row := range p.Weight {
			if len(row) != h {
				return nil, fmt.Errorf("pooler row %d has %d features, want %d", i, len(row), h)
			}
		}
	}
	name := weights.Name
	if name == "" {
		name = "static"
	}
	return &StaticModel{name: name, weights: weights}, nil
}

// LoadStaticModel reads StaticWeights JSON from path.
func LoadStaticModel(path string) (*StaticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encoder weights: %w", err)
	}
	var w StaticWeights
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding encoder weights: %w", err)
	}
	return NewStaticModel(w)
}

// Forward implements Model.
func (m *StaticModel) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := m.weights.HiddenSize
	vocabSize := int32(len(m.weights.TokenEmbeddings))
	numSegments := int32(len(m.weights.SegmentEmbeddings))

	hidden := make([][][]float32, inputs.BatchSize())
	for b, ids := range inputs.InputIDs {
		rows := make([][]float32, len(ids))
		for s, id := range ids {
			if id < 0 || id >= vocabSize {
				return nil, fmt.Errorf("token id %d at row %d position %d outside vocabulary of %d", id, b, s, vocabSize)
			}
			vec := make([]float32, h)
			copy(vec, m.weights.TokenEmbeddings[id])
			if seg := inputs.TokenTypeIDs[b][s]; numSegments > 0 {
				if seg < 0 || seg >= numSegments {
					return nil, fmt.Errorf("segment id %d at row %d position %d outside %d segments", seg, b, s, numSegments)
				}
				for i, v := range m.weights.SegmentEmbeddings[seg] {
					vec[i] += v
				}
			}
			rows[s] = vec
		}
		hidden[b] = rows
	}

	var pooled [][]float32
	if p := m.weights.Pooler; p != nil {
		pooled = make([][]float32, len(hidden))
		for b, rows := range hidden {
			if len(rows) == 0 {
				pooled[b] = make([]float32, h)
				continue
			}
			pooled[b] = applyPooler(p, rows[0])
		}
	} else {
		pooled = Pool(hidden, inputs.AttentionMask, m.weights.Pooling)
	}

	return &Output{LastHiddenState: hidden, Pooled: pooled}, nil
}

func applyPooler(p *Pooler, x []float32) []float32 {
	out := make([]float32, len(p.Bias))
	for o, row := range p.Weight {
		sum := p.Bias[o]
		for i, w := range row {
			sum += w * x[i]
		}
		out[o] = float32(math.Tanh(float64(sum)))
	}
	return out
}

// HiddenSize implements Model.
func (m *StaticModel) HiddenSize() int { return m.weights.HiddenSize }

// Close implements Model.
func (m *StaticModel) Close() error { return nil }

// Name implements Model.
func (m *StaticModel) Name() string { return m.name }

// Backend implements Model.
func (m *StaticModel) Backend() BackendType { return BackendStatic }
