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

package tagger

// Span is a half-open range [Start, End) of text positions.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of positions covered.
func (s Span) Len() int { return s.End - s.Start }

// Decode pairs boundary probabilities into spans. Every position whose start
// probability exceeds threshold is paired with the nearest position at or after it
// whose end probability exceeds threshold; the end position is included in the span.
// Starts without such an end are dropped. One end may close several starts.
func Decode(start, end []float32, threshold float32) []Span {
	var ends []int
	for j, p := range end {
		if p > threshold {
			ends = append(ends, j)
		}
	}
	if len(ends) == 0 {
		return nil
	}

	var spans []Span
	next := 0
	for i, p := range start {
		if p <= threshold {
			continue
		}
		for next < len(ends) && ends[next] < i {
			next++
		}
		if next == len(ends) {
			break
		}
		spans = append(spans, Span{Start: i, End: ends[next] + 1})
	}
	return spans
}
