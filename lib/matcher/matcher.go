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

// Package matcher scores how well a knowledge-base description fits a mention in
// context. The text side is encoded once by the caller and shared by every row;
// descriptions are encoded in one encoder call per batch.
package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/ops"
	"go.uber.org/zap"
)

// ErrInvalidBatch is returned when the text and candidate sides of a batch disagree.
var ErrInvalidBatch = errors.New("invalid matcher batch")

// Weights parameterize the cross attention and the output unit.
type Weights struct {
	// W is [hidden+1, hidden]; the last row weighs the span indicator channel.
	W [][]float32 `json:"w"`
	// Out reads [text pooled, candidate pooled, fused], 3*hidden inputs.
	Out ops.Linear `json:"out"`
}

// Validate checks the shapes against hidden.
func (w Weights) Validate(hidden int) error {
	if len(w.W) != hidden+1 {
		return fmt.Errorf("attention matrix has %d rows, want %d", len(w.W), hidden+1)
	}
	for r, row := range w.W {
		if len(row) != hidden {
			return fmt.Errorf("attention row %d has %d columns, want %d", r, len(row), hidden)
		}
	}
	if err := w.Out.Validate(3 * hidden); err != nil {
		return fmt.Errorf("output unit: %w", err)
	}
	return nil
}

// Batch pairs one encoded text with many (span, candidate) rows.
type Batch struct {
	// TextHidden is the text's [seq, hidden] encoder output.
	TextHidden [][]float32
	// TextPooled is the text's pooled vector.
	TextPooled []float32
	// TextMask marks the real text positions.
	TextMask []int32
	// Indicators is [rows, seq]: 1 inside the row's span, 0 elsewhere.
	Indicators [][]float32
	// Candidates holds the padded description token ids, one row per indicator row.
	Candidates *encoder.Inputs
}

// Rows returns the number of (span, candidate) pairs.
func (b *Batch) Rows() int { return len(b.Indicators) }

func (b *Batch) validate(hidden int) error {
	seq := len(b.TextHidden)
	if seq == 0 || len(b.Indicators) == 0 {
		return fmt.Errorf("%w: empty text or no rows", ErrInvalidBatch)
	}
	if len(b.TextMask) != seq {
		return fmt.Errorf("%w: text mask has %d positions, want %d", ErrInvalidBatch, len(b.TextMask), seq)
	}
	if len(b.TextPooled) != hidden {
		return fmt.Errorf("%w: text pooled vector has %d features, want %d", ErrInvalidBatch, len(b.TextPooled), hidden)
	}
	for s, h := range b.TextHidden {
		if len(h) != hidden {
			return fmt.Errorf("%w: text position %d has %d features, want %d", ErrInvalidBatch, s, len(h), hidden)
		}
	}
	for r, y := range b.Indicators {
		if len(y) != seq {
			return fmt.Errorf("%w: indicator row %d has %d positions, want %d", ErrInvalidBatch, r, len(y), seq)
		}
	}
	if b.Candidates == nil || b.Candidates.BatchSize() != len(b.Indicators) {
		return fmt.Errorf("%w: candidate rows do not match %d indicator rows", ErrInvalidBatch, len(b.Indicators))
	}
	return nil
}

// Matcher is the candidate scorer.
type Matcher struct {
	encoder encoder.Model
	weights Weights
	logger  *zap.Logger
}

// New returns a Matcher encoding descriptions with enc.
func New(enc encoder.Model, weights Weights, logger *zap.Logger) (*Matcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := weights.Validate(enc.HiddenSize()); err != nil {
		return nil, fmt.Errorf("invalid matcher weights: %w", err)
	}
	return &Matcher{encoder: enc, weights: weights, logger: logger}, nil
}

// Score returns one compatibility probability per batch row.
func (m *Matcher) Score(ctx context.Context, batch *Batch) ([]float32, error) {
	h := m.encoder.HiddenSize()
	if err := batch.validate(h); err != nil {
		return nil, err
	}

	cand, err := m.encoder.Forward(ctx, batch.Candidates)
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}
	if err := cand.Validate(batch.Rows(), batch.Candidates.SeqLen(), h); err != nil {
		return nil, err
	}

	// Text-side projection without the indicator channel, shared by every row.
	seq := len(batch.TextHidden)
	base := make([][]float32, seq)
	for s, x := range batch.TextHidden {
		base[s] = make([]float32, h)
		ops.Project(x, m.weights.W, base[s])
	}
	indicatorRow := m.weights.W[h]

	features := make([]float32, 3*h)
	copy(features[:h], batch.TextPooled)
	logits := make([]float32, batch.Rows())
	query := make([]float32, h)
	fused := make([]float32, h)
	for r := range batch.Rows() {
		m.fuse(base, indicatorRow, batch.Indicators[r], batch.TextMask,
			cand.LastHiddenState[r], batch.Candidates.AttentionMask[r], query, fused)
		copy(features[h:2*h], cand.Pooled[r])
		copy(features[2*h:], fused)
		logits[r] = m.weights.Out.Apply(features)
	}
	m.logger.Debug("Scored candidates",
		zap.Int("rows", batch.Rows()),
		zap.Int("text_len", seq),
		zap.Int("candidate_len", batch.Candidates.SeqLen()))
	return ops.Sigmoid(logits), nil
}

// fuse writes into out the max over text positions of each position's attention
// summary of the candidate positions.
func (m *Matcher) fuse(base [][]float32, indicatorRow, y []float32, textMask []int32,
	candHidden [][]float32, candMask []int32, query, out []float32) {
	for i := range out {
		out[i] = ops.MaskFill
	}
	attn := make([]float32, len(candHidden))
	for s, b := range base {
		if textMask[s] == 0 {
			// A padded position contributes a MaskFill vector, which never beats a real one.
			continue
		}
		copy(query, b)
		if y[s] != 0 {
			ops.Axpy(y[s], indicatorRow, query)
		}
		for t, x2 := range candHidden {
			if candMask[t] == 0 {
				attn[t] = ops.MaskFill
				continue
			}
			attn[t] = ops.Dot(query, x2)
		}
		ops.SoftmaxInPlace(attn)
		for i := range out {
			var v float32
			for t, x2 := range candHidden {
				v += attn[t] * x2[i]
			}
			out[i] = max(out[i], v)
		}
	}
}
