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

package cmd

import (
	"fmt"

	"github.com/antflydb/linker/lib/eval"
	"github.com/antflydb/linker/lib/vocab"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Build the character vocabulary",
	Long: `Count the characters of every knowledge-base description and, optionally, the
texts of an annotated examples file, then save those seen at least --min-count
times as a character vocabulary.

Examples:
  linker vocab --knowledge-base kb.jsonl --examples train.json --out chars.json`,
	RunE: runVocab,
}

var (
	vocabOut      string
	vocabExamples string
	vocabMinCount int
)

func init() {
	rootCmd.AddCommand(vocabCmd)
	vocabCmd.Flags().StringVar(&vocabOut, "out", "chars.json", "output vocabulary file")
	vocabCmd.Flags().StringVar(&vocabExamples, "examples", "", "annotated examples whose texts are also counted")
	vocabCmd.Flags().IntVar(&vocabMinCount, "min-count", vocab.DefaultMinCount, "minimum occurrences for a character to be kept")
}

func runVocab(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	index, err := loadIndexOnly(cmd, logger)
	if err != nil {
		return err
	}
	texts := index.Descriptions()
	if vocabExamples != "" {
		examples, err := eval.LoadExamplesFile(cmd.Context(), vocabExamples)
		if err != nil {
			return err
		}
		for _, e := range examples {
			texts = append(texts, e.Text)
		}
	}

	v := vocab.BuildCharVocab(texts, vocabMinCount)
	if err := v.SaveFile(vocabOut); err != nil {
		return err
	}
	logger.Info("Saved character vocabulary",
		zap.String("path", vocabOut),
		zap.Int("texts", len(texts)),
		zap.Int("size", v.Size()))
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d characters to %s\n", v.Size(), vocabOut)
	return nil
}
