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
	"os"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/util"
)

var _ Vocabulary = (*BertVocab)(nil)

// BertVocab looks characters up in a BERT vocab.txt table through a WordPiece model.
// Text is not split into subwords: every rune is looked up on its own, so token
// positions line up with character offsets.
type BertVocab struct {
	tokenizer *tokenizer.Tokenizer
	unkID     int32
	size      int
}

// NewBertVocab parses vocab.txt contents (one token per line, id is the line number).
func NewBertVocab(contents string) (*BertVocab, error) {
	table := make(model.Vocab)
	for i, line := range strings.Split(contents, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			table[line] = i
		}
	}

	opts := util.NewParams(map[string]any{
		"unk_token": UnknownToken,
	})
	wp, err := wordpiece.New(table, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	unkID, ok := tk.TokenToId(UnknownToken)
	if !ok {
		return nil, fmt.Errorf("cannot find ID for %s token", UnknownToken)
	}

	return &BertVocab{
		tokenizer: tk,
		unkID:     int32(unkID),
		size:      len(table),
	}, nil
}

// LoadBertVocab reads a vocab.txt file.
func LoadBertVocab(path string) (*BertVocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}
	return NewBertVocab(string(data))
}

// Lookup implements Vocabulary.
func (v *BertVocab) Lookup(token string) int32 {
	if id, ok := v.tokenizer.TokenToId(token); ok {
		return int32(id)
	}
	return v.unkID
}

// Encode implements Vocabulary.
func (v *BertVocab) Encode(text string) []int32 {
	return encodeRunes(text, v.Lookup)
}

// UnknownID implements Vocabulary.
func (v *BertVocab) UnknownID() int32 { return v.unkID }

// Size implements Vocabulary.
func (v *BertVocab) Size() int { return v.size }
