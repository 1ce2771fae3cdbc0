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

// Package encoder defines the boundary to the contextual text encoder shared by the
// span tagger and the candidate matcher, together with the encoder backends:
//
//   - static: pure Go token/segment embedding tables with an optional tanh pooler.
//     Always available; suited to tests, small deployments and distilled encoders.
//   - gomlx: a pretrained ONNX encoder (BERT style) executed by GoMLX's pure Go engine,
//     loaded from a local directory or downloaded from the HuggingFace hub.
//   - remote: a JSON inference service reached over HTTP.
//
// Backend selection follows a configurable priority order (default: static > gomlx > remote).
package encoder

import (
	"errors"
	"fmt"

	"github.com/antflydb/linker/lib/batching"
)

// ErrShapeMismatch is returned when an encoder output does not match its inputs.
var ErrShapeMismatch = errors.New("encoder output shape mismatch")

// BackendType identifies an encoder backend.
type BackendType string

const (
	// BackendStatic is the embedded pure Go encoder.
	BackendStatic BackendType = "static"

	// BackendGoMLX runs an ONNX encoder graph on the pure Go GoMLX engine.
	BackendGoMLX BackendType = "gomlx"

	// BackendRemote forwards inputs to an external inference service.
	BackendRemote BackendType = "remote"
)

// Inputs is a batch of token sequences. All three matrices share the same shape.
type Inputs struct {
	InputIDs      [][]int32 `json:"input_ids"`
	TokenTypeIDs  [][]int32 `json:"token_type_ids"`
	AttentionMask [][]int32 `json:"attention_mask"`
}

// InputsFromBatch adapts a padded batch.
func InputsFromBatch(b *batching.Batch) *Inputs {
	return &Inputs{
		InputIDs:      b.IDs,
		TokenTypeIDs:  b.Segments,
		AttentionMask: b.Mask,
	}
}

// BatchSize returns the number of rows.
func (in *Inputs) BatchSize() int { return len(in.InputIDs) }

// SeqLen returns the shared row length.
func (in *Inputs) SeqLen() int {
	if len(in.InputIDs) == 0 {
		return 0
	}
	return len(in.InputIDs[0])
}

// Validate checks the batch is non-empty and rectangular.
func (in *Inputs) Validate() error {
	if len(in.InputIDs) == 0 {
		return batching.ErrEmptyBatch
	}
	return batching.CheckUniform(in.SeqLen(), in.InputIDs, in.TokenTypeIDs, in.AttentionMask)
}

// Output holds the encoder representations of a batch.
type Output struct {
	// LastHiddenState is [batch, seq, hidden].
	LastHiddenState [][][]float32 `json:"last_hidden_state"`
	// Pooled is [batch, hidden].
	Pooled [][]float32 `json:"pooled_output"`
}

// Validate checks the output covers batch rows of seq positions with hidden features.
func (o *Output) Validate(batch, seq, hidden int) error {
	if len(o.LastHiddenState) != batch || len(o.Pooled) != batch {
		return fmt.Errorf("%w: got %d hidden rows and %d pooled rows, want %d",
			ErrShapeMismatch, len(o.LastHiddenState), len(o.Pooled), batch)
	}
	for b := range batch {
		if len(o.LastHiddenState[b]) != seq {
			return fmt.Errorf("%w: row %d has %d positions, want %d",
				ErrShapeMismatch, b, len(o.LastHiddenState[b]), seq)
		}
		for s, v := range o.LastHiddenState[b] {
			if len(v) != hidden {
				return fmt.Errorf("%w: row %d position %d has %d features, want %d",
					ErrShapeMismatch, b, s, len(v), hidden)
			}
		}
		if len(o.Pooled[b]) != hidden {
			return fmt.Errorf("%w: pooled row %d has %d features, want %d",
				ErrShapeMismatch, b, len(o.Pooled[b]), hidden)
		}
	}
	return nil
}

// PoolingStrategy defines how hidden states are pooled when a model has no pooler.
type PoolingStrategy string

const (
	PoolingMean PoolingStrategy = "mean"
	PoolingCLS  PoolingStrategy = "cls"
	PoolingMax  PoolingStrategy = "max"
)
