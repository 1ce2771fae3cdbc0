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

// Package batching pads variable-length sequences into rectangular batches.
package batching

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when a batch is requested for zero sequences.
	ErrEmptyBatch = errors.New("batch must contain at least one sequence")

	// ErrRaggedBatch is returned when rows that must share a length do not.
	ErrRaggedBatch = errors.New("batch rows have mismatched lengths")
)

// Number is the element type of a padded sequence.
type Number interface {
	~int32 | ~int64 | ~int | ~float32 | ~float64
}

// Pad right-pads every sequence with zeros to the longest input length and returns the
// padded rows together with that length. Inputs are not modified.
func Pad[T Number](seqs [][]T) ([][]T, int, error) {
	if len(seqs) == 0 {
		return nil, 0, ErrEmptyBatch
	}
	maxLen := 0
	for _, s := range seqs {
		maxLen = max(maxLen, len(s))
	}
	out := make([][]T, len(seqs))
	for i, s := range seqs {
		row := make([]T, maxLen)
		copy(row, s)
		out[i] = row
	}
	return out, maxLen, nil
}

// Ones returns, for every sequence, a row of ones of the same length.
func Ones[T Number](seqs [][]T) [][]int32 {
	out := make([][]int32, len(seqs))
	for i, s := range seqs {
		row := make([]int32, len(s))
		for j := range row {
			row[j] = 1
		}
		out[i] = row
	}
	return out
}

// CheckUniform verifies every row of every matrix has length n and that all matrices
// share the same number of rows.
func CheckUniform[T Number](n int, matrices ...[][]T) error {
	rows := -1
	for m, matrix := range matrices {
		if rows >= 0 && len(matrix) != rows {
			return fmt.Errorf("%w: matrix %d has %d rows, want %d", ErrRaggedBatch, m, len(matrix), rows)
		}
		rows = len(matrix)
		for r, row := range matrix {
			if len(row) != n {
				return fmt.Errorf("%w: matrix %d row %d has length %d, want %d", ErrRaggedBatch, m, r, len(row), n)
			}
		}
	}
	return nil
}

// Batch is a padded batch of token sequences with their validity mask and segment ids.
type Batch struct {
	IDs      [][]int32
	Segments [][]int32
	Mask     [][]int32
	// Len is the shared row length.
	Len int
}

// NewBatch pads ids and derives the mask (1 for real positions, 0 for padding) and
// all-zero segment ids.
func NewBatch(ids [][]int32) (*Batch, error) {
	padded, n, err := Pad(ids)
	if err != nil {
		return nil, err
	}
	mask, _, err := Pad(Ones(ids))
	if err != nil {
		return nil, err
	}
	segments := make([][]int32, len(ids))
	for i := range segments {
		segments[i] = make([]int32, n)
	}
	return &Batch{IDs: padded, Segments: segments, Mask: mask, Len: n}, nil
}

// Size returns the number of rows.
func (b *Batch) Size() int { return len(b.IDs) }
