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

// Package vocab maps characters to the integer ids consumed by the encoder.
//
// Lookups are total: any token missing from the table resolves to the vocabulary's
// unknown id. Vocabularies are immutable after construction and safe for concurrent use.
package vocab

// Reserved ids of a character vocabulary.
const (
	PaddingID        int32 = 0
	DefaultUnknownID int32 = 1

	// firstCharID is the id assigned to the first kept character.
	firstCharID int32 = 2

	// DefaultMinCount drops characters seen fewer times than this when building.
	DefaultMinCount = 2

	// UnknownToken is the BERT vocabulary's unknown token.
	UnknownToken = "[UNK]"
)

// Vocabulary resolves tokens to ids.
type Vocabulary interface {
	// Lookup returns the id of token, or UnknownID() when absent.
	Lookup(token string) int32

	// Encode returns one id per rune of text.
	Encode(text string) []int32

	// UnknownID is the id returned for tokens outside the table.
	UnknownID() int32

	// Size is the number of known tokens.
	Size() int
}

// encodeRunes applies lookup to every rune of text.
func encodeRunes(text string, lookup func(string) int32) []int32 {
	ids := make([]int32, 0, len(text))
	for _, r := range text {
		ids = append(ids, lookup(string(r)))
	}
	return ids
}
