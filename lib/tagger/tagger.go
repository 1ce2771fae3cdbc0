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

// Package tagger scores mention boundaries and decodes them into spans.
package tagger

import (
	"context"
	"fmt"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/ops"
	"go.uber.org/zap"
)

// DefaultThreshold is the boundary probability a position must exceed.
const DefaultThreshold float32 = 0.5

// Weights holds the two per-position boundary units.
type Weights struct {
	Start ops.Linear `json:"start"`
	End   ops.Linear `json:"end"`
}

// Validate checks both units accept hidden-size inputs.
func (w Weights) Validate(hidden int) error {
	if err := w.Start.Validate(hidden); err != nil {
		return fmt.Errorf("start unit: %w", err)
	}
	if err := w.End.Validate(hidden); err != nil {
		return fmt.Errorf("end unit: %w", err)
	}
	return nil
}

// Output is the result of tagging a batch.
type Output struct {
	// StartProbs and EndProbs are [batch, seq]; padded positions are 0.
	StartProbs [][]float32
	EndProbs   [][]float32
	// Hidden is the encoder's [batch, seq, hidden] representation.
	Hidden [][][]float32
	// Pooled is [batch, hidden].
	Pooled [][]float32
}

// Tagger scores every position independently as a mention start and a mention end.
type Tagger struct {
	encoder encoder.Model
	weights Weights
	logger  *zap.Logger
}

// New returns a Tagger over enc.
func New(enc encoder.Model, weights Weights, logger *zap.Logger) (*Tagger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := weights.Validate(enc.HiddenSize()); err != nil {
		return nil, fmt.Errorf("invalid tagger weights: %w", err)
	}
	return &Tagger{encoder: enc, weights: weights, logger: logger}, nil
}

// Tag runs the encoder once over inputs and scores every position.
func (t *Tagger) Tag(ctx context.Context, inputs *encoder.Inputs) (*Output, error) {
	enc, err := t.encoder.Forward(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding text: %w", err)
	}
	n, seq := inputs.BatchSize(), inputs.SeqLen()
	if err := enc.Validate(n, seq, t.encoder.HiddenSize()); err != nil {
		return nil, err
	}

	out := &Output{
		StartProbs: make([][]float32, n),
		EndProbs:   make([][]float32, n),
		Hidden:     enc.LastHiddenState,
		Pooled:     enc.Pooled,
	}
	for b := range n {
		start := make([]float32, seq)
		end := make([]float32, seq)
		for s, h := range enc.LastHiddenState[b] {
			start[s] = t.weights.Start.Apply(h)
			end[s] = t.weights.End.Apply(h)
		}
		ops.Sigmoid(start)
		ops.Sigmoid(end)
		for s, m := range inputs.AttentionMask[b] {
			if m == 0 {
				start[s], end[s] = 0, 0
			}
		}
		out.StartProbs[b] = start
		out.EndProbs[b] = end
	}
	return out, nil
}
