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

package vocab

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"
)

var _ Vocabulary = (*CharVocab)(nil)

// CharVocab is a character table built from corpus statistics.
// Id 0 is padding, id 1 is unknown, characters start at 2.
type CharVocab struct {
	idToChar map[int32]string
	charToID map[string]int32
}

// NewCharVocab assigns ids to chars in order, starting at 2. Duplicates keep their first id.
func NewCharVocab(chars []string) *CharVocab {
	v := &CharVocab{
		idToChar: make(map[int32]string, len(chars)),
		charToID: make(map[string]int32, len(chars)),
	}
	next := firstCharID
	for _, c := range chars {
		if _, ok := v.charToID[c]; ok {
			continue
		}
		v.charToID[c] = next
		v.idToChar[next] = c
		next++
	}
	return v
}

// BuildCharVocab counts the runes of texts and keeps those seen at least minCount
// times, in first-seen order. minCount <= 0 uses DefaultMinCount.
func BuildCharVocab(texts []string, minCount int) *CharVocab {
	if minCount <= 0 {
		minCount = DefaultMinCount
	}
	counts := make(map[string]int)
	var order []string
	for _, text := range texts {
		for _, r := range text {
			c := string(r)
			if _, seen := counts[c]; !seen {
				order = append(order, c)
			}
			counts[c]++
		}
	}

	kept := order[:0]
	for _, c := range order {
		if counts[c] >= minCount {
			kept = append(kept, c)
		}
	}
	return NewCharVocab(kept)
}

// Lookup implements Vocabulary.
func (v *CharVocab) Lookup(token string) int32 {
	if id, ok := v.charToID[token]; ok {
		return id
	}
	return DefaultUnknownID
}

// Encode implements Vocabulary.
func (v *CharVocab) Encode(text string) []int32 {
	return encodeRunes(text, v.Lookup)
}

// UnknownID implements Vocabulary.
func (v *CharVocab) UnknownID() int32 { return DefaultUnknownID }

// Size implements Vocabulary.
func (v *CharVocab) Size() int { return len(v.charToID) }

// Char returns the character stored under id.
func (v *CharVocab) Char(id int32) (string, bool) {
	c, ok := v.idToChar[id]
	return c, ok
}

// Save writes the table as the two-element JSON array [id2char, char2id].
func (v *CharVocab) Save(w io.Writer) error {
	idToChar := make(map[string]string, len(v.idToChar))
	for id, c := range v.idToChar {
		idToChar[strconv.Itoa(int(id))] = c
	}
	data, err := sonic.Marshal([]any{idToChar, v.charToID})
	if err != nil {
		return fmt.Errorf("encoding vocabulary: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing vocabulary: %w", err)
	}
	return nil
}

// SaveFile writes the table to path.
func (v *CharVocab) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating vocabulary file: %w", err)
	}
	if err := v.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadCharVocab reads a table written by Save. The char2id half is authoritative.
func LoadCharVocab(r io.Reader) (*CharVocab, error) {
	var payload []map[string]any
	if err := decoder.NewStreamDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding vocabulary: %w", err)
	}
	if len(payload) != 2 {
		return nil, fmt.Errorf("vocabulary must be [id2char, char2id], got %d elements", len(payload))
	}

	v := &CharVocab{
		idToChar: make(map[int32]string, len(payload[1])),
		charToID: make(map[string]int32, len(payload[1])),
	}
	for c, raw := range payload[1] {
		n, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("vocabulary id for %q is %T, want number", c, raw)
		}
		id := int32(n)
		if id < firstCharID {
			return nil, fmt.Errorf("vocabulary id %d for %q collides with reserved ids", id, c)
		}
		v.charToID[c] = id
		v.idToChar[id] = c
	}
	return v, nil
}

// LoadCharVocabFile reads a table from path.
func LoadCharVocabFile(path string) (*CharVocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadCharVocab(f)
}
