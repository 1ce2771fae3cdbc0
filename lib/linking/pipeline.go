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

// Package linking runs the two-stage entity linking pipeline: mention spans are tagged
// in the text, then every knowledge-base candidate sharing a span's surface form is
// scored and the best one is kept per span.
package linking

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/antflydb/linker/lib/batching"
	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/matcher"
	"github.com/antflydb/linker/lib/ops"
	"github.com/antflydb/linker/lib/tagger"
	"github.com/antflydb/linker/lib/vocab"
	"go.uber.org/zap"
)

// Result links one mention to a knowledge-base entry.
type Result struct {
	Mention  string `json:"mention"`
	Offset   int    `json:"offset"`
	EntityID string `json:"kb_id"`
}

// Mention is a decoded span with its surface text.
type Mention struct {
	tagger.Span
	Text string `json:"text"`
}

// KnowledgeBase is the read-only view of the entity index used for candidate lookup.
// *kb.Index implements it.
type KnowledgeBase interface {
	Entry(id string) (kb.Entry, error)
	Candidates(alias string) []string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithThreshold overrides the boundary probability threshold.
func WithThreshold(threshold float32) Option {
	return func(p *Pipeline) { p.threshold = threshold }
}

// Pipeline links the entities of one text at a time. It is not safe for concurrent
// use; see PooledLinker.
type Pipeline struct {
	vocab     vocab.Vocabulary
	index     KnowledgeBase
	tagger    *tagger.Tagger
	matcher   *matcher.Matcher
	threshold float32
	logger    *zap.Logger
}

// New wires a pipeline. The vocabulary and index are only read and may be shared.
func New(v vocab.Vocabulary, index KnowledgeBase, tg *tagger.Tagger, mt *matcher.Matcher, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		vocab:     v,
		index:     index,
		tagger:    tg,
		matcher:   mt,
		threshold: tagger.DefaultThreshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Threshold returns the boundary probability threshold.
func (p *Pipeline) Threshold() float32 { return p.threshold }

// candidateRow is one (span, candidate) pair of the matcher batch.
type candidateRow struct {
	span     tagger.Span
	entityID string
}

// Extract returns the linked mentions of text ordered by offset, then entity id.
func (p *Pipeline) Extract(ctx context.Context, text string) ([]Result, error) {
	original := []rune(text)
	normalized := []rune(kb.Normalize(text))
	if len(normalized) == 0 {
		return nil, nil
	}

	ids := p.vocab.Encode(string(normalized))
	textBatch, err := batching.NewBatch([][]int32{ids})
	if err != nil {
		return nil, err
	}
	inputs := encoder.InputsFromBatch(textBatch)
	tagged, err := p.tagger.Tag(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("tagging spans: %w", err)
	}

	spans := tagger.Decode(tagged.StartProbs[0], tagged.EndProbs[0], p.threshold)
	if len(spans) == 0 {
		return nil, nil
	}

	var rows []candidateRow
	var descriptions [][]int32
	for _, span := range spans {
		for _, id := range p.index.Candidates(string(normalized[span.Start:span.End])) {
			entry, err := p.index.Entry(id)
			if err != nil {
				p.logger.Error("Alias index references a missing entry",
					zap.String("entity_id", id), zap.Error(err))
				return nil, fmt.Errorf("resolving candidate %q: %w", id, err)
			}
			rows = append(rows, candidateRow{span: span, entityID: id})
			descriptions = append(descriptions, p.vocab.Encode(entry.Description))
		}
	}
	if len(rows) == 0 {
		p.logger.Debug("No candidates for decoded spans", zap.Int("spans", len(spans)))
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candBatch, err := batching.NewBatch(descriptions)
	if err != nil {
		return nil, err
	}
	seq := textBatch.Len
	indicators := make([][]float32, len(rows))
	for r, row := range rows {
		y := make([]float32, seq)
		for s := row.span.Start; s < row.span.End; s++ {
			y[s] = 1
		}
		indicators[r] = y
	}
	scores, err := p.matcher.Score(ctx, &matcher.Batch{
		TextHidden: tagged.Hidden[0],
		TextPooled: tagged.Pooled[0],
		TextMask:   textBatch.Mask[0],
		Indicators: indicators,
		Candidates: encoder.InputsFromBatch(candBatch),
	})
	if err != nil {
		return nil, fmt.Errorf("scoring candidates: %w", err)
	}

	groups := groupScores(rows, scores)
	results := make([]Result, 0, len(groups))
	for _, span := range spans {
		group, ok := groups[span]
		if !ok {
			continue
		}
		best := SelectBest(group.scores)
		results = append(results, Result{
			Mention:  string(original[span.Start:span.End]),
			Offset:   span.Start,
			EntityID: group.ids[best],
		})
	}
	results = dedupe(results)

	p.logger.Debug("Linked text",
		zap.Int("runes", len(normalized)),
		zap.Int("spans", len(spans)),
		zap.Int("candidates", len(rows)),
		zap.Int("results", len(results)))
	return results, nil
}

// Mentions returns the decoded spans of text without resolving them.
func (p *Pipeline) Mentions(ctx context.Context, text string) ([]Mention, error) {
	original := []rune(text)
	if len(original) == 0 {
		return nil, nil
	}
	textBatch, err := batching.NewBatch([][]int32{p.vocab.Encode(kb.Normalize(text))})
	if err != nil {
		return nil, err
	}
	tagged, err := p.tagger.Tag(ctx, encoder.InputsFromBatch(textBatch))
	if err != nil {
		return nil, fmt.Errorf("tagging spans: %w", err)
	}
	spans := tagger.Decode(tagged.StartProbs[0], tagged.EndProbs[0], p.threshold)
	mentions := make([]Mention, len(spans))
	for i, span := range spans {
		mentions[i] = Mention{Span: span, Text: string(original[span.Start:span.End])}
	}
	return mentions, nil
}

type scoredGroup struct {
	ids    []string
	scores []float32
}

// groupScores keys every row by its span, keeping row order within a span.
func groupScores(rows []candidateRow, scores []float32) map[tagger.Span]*scoredGroup {
	groups := make(map[tagger.Span]*scoredGroup)
	for r, row := range rows {
		g, ok := groups[row.span]
		if !ok {
			g = &scoredGroup{}
			groups[row.span] = g
		}
		g.ids = append(g.ids, row.entityID)
		g.scores = append(g.scores, scores[r])
	}
	return groups
}

// SelectBest returns the index of the highest score; the first one wins ties.
func SelectBest(scores []float32) int {
	return ops.Argmax(scores)
}

func dedupe(results []Result) []Result {
	slices.SortFunc(results, func(a, b Result) int {
		return cmp.Or(
			cmp.Compare(a.Offset, b.Offset),
			cmp.Compare(a.EntityID, b.EntityID),
			cmp.Compare(a.Mention, b.Mention),
		)
	})
	return slices.Compact(results)
}

var _ KnowledgeBase = (*kb.Index)(nil)
