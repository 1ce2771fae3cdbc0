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

// Package ops holds the small dense kernels shared by the tagger and matcher heads.
// Softmax and sigmoid delegate to go-highway's SIMD implementations.
package ops

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy/contrib/algo"
	"github.com/ajroetker/go-highway/hwy/contrib/nn"
)

// MaskFill is written into padded positions before softmax normalization and before
// max pooling so they never win either reduction.
const MaskFill float32 = -1e5

// Linear is a single output unit: y = w·x + b.
type Linear struct {
	Weight []float32 `json:"weight"`
	Bias   float32   `json:"bias"`
}

// Apply returns w·x + b. x must have len(Weight) elements.
func (l Linear) Apply(x []float32) float32 {
	return Dot(l.Weight, x) + l.Bias
}

// Validate checks the unit accepts inputs of the given width.
func (l Linear) Validate(dim int) error {
	if len(l.Weight) != dim {
		return fmt.Errorf("linear unit has %d weights, want %d", len(l.Weight), dim)
	}
	return nil
}

// Dot returns the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Sigmoid applies the logistic function in place and returns the same slice.
func Sigmoid(logits []float32) []float32 {
	if len(logits) == 0 {
		return logits
	}
	algo.SigmoidTransform(logits, logits)
	return logits
}

// SoftmaxInPlace normalizes x into a probability distribution.
func SoftmaxInPlace(x []float32) {
	if len(x) == 0 {
		return
	}
	nn.SoftmaxInPlace(x)
}

// Argmax returns the index of the first maximal element, or -1 for an empty slice.
// Ties resolve to the lowest index.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// Project computes out[c] = Σ_r x[r]·w[r][c] for a row-major matrix with len(x) rows.
// out must have len(w[0]) elements; it is overwritten.
func Project(x []float32, w [][]float32, out []float32) {
	for c := range out {
		out[c] = 0
	}
	for r, xr := range x {
		if xr == 0 {
			continue
		}
		row := w[r]
		for c := range out {
			out[c] += xr * row[c]
		}
	}
}

// Axpy adds alpha·x into y.
func Axpy(alpha float32, x, y []float32) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}
