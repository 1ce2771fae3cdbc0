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

// Package kb indexes knowledge-base entries by id and by alias.
//
// An Index is built once from the knowledge-base records and never mutated afterwards;
// it is safe for concurrent readers.
package kb

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxDescriptionLength caps an entry description, in runes.
const MaxDescriptionLength = 300

// ErrNotFound is returned when an entry id is not in the index.
var ErrNotFound = errors.New("knowledge base entry not found")

// DefaultSummaryMarkers flag an attribute key as carrying a summary of the entry.
var DefaultSummaryMarkers = []string{"摘要", "summary", "abstract"}

// Attribute is one key/value pair of a knowledge-base record.
type Attribute struct {
	Key   string `json:"predicate"`
	Value string `json:"object"`
}

// Record is one raw line of the knowledge-base source.
type Record struct {
	ID         string      `json:"subject_id"`
	Name       string      `json:"subject"`
	Aliases    []string    `json:"alias,omitempty"`
	Attributes []Attribute `json:"data"`
}

// Entry is an indexed knowledge-base entry.
type Entry struct {
	ID          string   `json:"id"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
}

// Normalize applies the case normalization shared by aliases, descriptions and
// mention lookups. It maps rune by rune, so rune offsets are preserved.
func Normalize(s string) string {
	return strings.ToLower(s)
}

// Describe builds the description of a record's attributes. The value of the first
// attribute whose key contains a summary marker is used alone; otherwise every
// attribute is rendered as "key:value\n" in order. The result is truncated to
// MaxDescriptionLength runes and normalized.
func Describe(attrs []Attribute, markers []string) string {
	var b strings.Builder
	for _, a := range attrs {
		if isSummary(a.Key, markers) {
			b.Reset()
			b.WriteString(a.Value)
			break
		}
		b.WriteString(a.Key)
		b.WriteByte(':')
		b.WriteString(a.Value)
		b.WriteByte('\n')
	}
	return Normalize(truncateRunes(b.String(), MaxDescriptionLength))
}

func isSummary(key string, markers []string) bool {
	lower := strings.ToLower(key)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
