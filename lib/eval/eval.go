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

// Package eval scores linked mentions against annotated examples.
package eval

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/linking"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// NilEntity marks a gold mention with no knowledge-base entry.
const NilEntity = "NIL"

// smoothing keeps the ratios defined when a count is zero.
const smoothing = 1e-10

// Example is an annotated text.
type Example struct {
	Text     string           `json:"text"`
	Mentions []linking.Result `json:"mention_data"`
}

// offset accepts both "12" and 12.
type offset int

func (o *offset) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid offset %s: %w", data, err)
	}
	*o = offset(n)
	return nil
}

type rawExample struct {
	Text        string `json:"text"`
	MentionData []struct {
		Mention string `json:"mention"`
		Offset  offset `json:"offset"`
		KBID    string `json:"kb_id"`
	} `json:"mention_data"`
}

// LoadExamples reads one JSON example per line. Texts and mentions are normalized the
// way the knowledge base is, and mentions without an entity are dropped.
func LoadExamples(ctx context.Context, r io.Reader) ([]Example, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var examples []Example
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var raw rawExample
		if err := sonic.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ex := Example{Text: kb.Normalize(raw.Text)}
		for _, m := range raw.MentionData {
			if m.KBID == NilEntity {
				continue
			}
			ex.Mentions = append(ex.Mentions, linking.Result{
				Mention:  kb.Normalize(m.Mention),
				Offset:   int(m.Offset),
				EntityID: m.KBID,
			})
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading examples: %w", err)
	}
	return examples, nil
}

// LoadExamplesFile reads examples from path.
func LoadExamplesFile(ctx context.Context, path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return LoadExamples(ctx, f)
}

// Metrics are set-based precision, recall and F1 over (mention, offset, id) triples.
type Metrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Correct   int     `json:"correct"`
	Predicted int     `json:"predicted"`
	Gold      int     `json:"gold"`
}

// Mismatch records an example whose prediction differs from its annotation.
type Mismatch struct {
	Text      string           `json:"text"`
	Gold      []linking.Result `json:"mention_data"`
	Predicted []linking.Result `json:"predict"`
}

// Report is the outcome of an evaluation run.
type Report struct {
	Metrics
	Errors []Mismatch `json:"err"`
}

// Scorer accumulates counts across examples.
type Scorer struct {
	correct, predicted, gold int
	mismatches               []Mismatch
}

type triple struct {
	mention string
	offset  int
	id      string
}

func toSet(results []linking.Result) map[triple]struct{} {
	set := make(map[triple]struct{}, len(results))
	for _, r := range results {
		set[triple{kb.Normalize(r.Mention), r.Offset, r.EntityID}] = struct{}{}
	}
	return set
}

// Add scores one example and reports whether prediction and annotation agree exactly.
func (s *Scorer) Add(text string, predicted, gold []linking.Result) bool {
	p, g := toSet(predicted), toSet(gold)
	correct := 0
	for t := range p {
		if _, ok := g[t]; ok {
			correct++
		}
	}
	s.correct += correct
	s.predicted += len(p)
	s.gold += len(g)

	exact := correct == len(p) && correct == len(g)
	if !exact {
		s.mismatches = append(s.mismatches, Mismatch{Text: text, Gold: gold, Predicted: predicted})
	}
	return exact
}

// Metrics returns the smoothed ratios of the counts so far.
func (s *Scorer) Metrics() Metrics {
	a := float64(s.correct) + smoothing
	b := float64(s.predicted) + smoothing
	c := float64(s.gold) + smoothing
	return Metrics{
		Precision: a / b,
		Recall:    a / c,
		F1:        2 * a / (b + c),
		Correct:   s.correct,
		Predicted: s.predicted,
		Gold:      s.gold,
	}
}

// Report returns the metrics with every mismatch seen so far.
func (s *Scorer) Report() *Report {
	return &Report{Metrics: s.Metrics(), Errors: s.mismatches}
}

// Extractor links batches of texts.
type Extractor interface {
	ExtractBatch(ctx context.Context, texts []string) ([][]linking.Result, error)
}

// Run links every example in batches of batchSize and scores the predictions.
func Run(ctx context.Context, ex Extractor, examples []Example, batchSize int, logger *zap.Logger) (*Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	var s Scorer
	for start := 0; start < len(examples); start += batchSize {
		batch := examples[start:min(start+batchSize, len(examples))]
		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.Text
		}
		predicted, err := ex.ExtractBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("linking examples %d-%d: %w", start, start+len(batch)-1, err)
		}
		for i, e := range batch {
			s.Add(e.Text, predicted[i], e.Mentions)
		}
		logger.Debug("Evaluated batch",
			zap.Int("done", start+len(batch)),
			zap.Int("total", len(examples)))
	}
	report := s.Report()
	logger.Info("Evaluation finished",
		zap.Float64("f1", report.F1),
		zap.Float64("precision", report.Precision),
		zap.Float64("recall", report.Recall),
		zap.Int("mismatches", len(report.Errors)))
	return report, nil
}

// WriteReport writes r as JSON.
func WriteReport(w io.Writer, r *Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
