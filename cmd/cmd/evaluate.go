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
	"os"

	"github.com/antflydb/linker"
	"github.com/antflydb/linker/lib/eval"
	"github.com/antflydb/linker/lib/split"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score the linker on annotated examples",
	Long: `Link the texts of an annotated examples file and report precision, recall and
F1 against the gold mentions. With --split, only the dev fold is scored.

Examples:
  linker evaluate --examples dev.json --report report.json
  linker evaluate --examples train.json --split order.json --mode 3`,
	RunE: runEvaluate,
}

var (
	evalExamples  string
	evalSplit     string
	evalMode      int
	evalFolds     int
	evalBatchSize int
	evalReport    string
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalExamples, "examples", "", "annotated examples file")
	evaluateCmd.Flags().StringVar(&evalSplit, "split", "", "permutation file; restricts scoring to the dev fold")
	evaluateCmd.Flags().IntVar(&evalMode, "mode", 0, "dev fold index")
	evaluateCmd.Flags().IntVar(&evalFolds, "folds", split.DefaultFolds, "number of folds")
	evaluateCmd.Flags().IntVar(&evalBatchSize, "batch-size", 32, "texts linked per batch")
	evaluateCmd.Flags().StringVar(&evalReport, "report", "", "write the full report, with mismatches, to this file")
	_ = evaluateCmd.MarkFlagRequired("examples")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	examples, err := eval.LoadExamplesFile(ctx, evalExamples)
	if err != nil {
		return err
	}
	if evalSplit != "" {
		perm, err := split.LoadFile(evalSplit)
		if err != nil {
			return err
		}
		if len(perm) != len(examples) {
			return fmt.Errorf("split %s covers %d records, %s has %d", evalSplit, len(perm), evalExamples, len(examples))
		}
		_, dev, err := split.Partition(perm, evalMode, evalFolds)
		if err != nil {
			return err
		}
		selected := make([]eval.Example, len(dev))
		for i, idx := range dev {
			selected[i] = examples[idx]
		}
		examples = selected
	}

	components, err := linker.LoadComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	report, err := eval.Run(ctx, components.Linker, examples, evalBatchSize, logger.Named("eval"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "examples=%d precision=%.4f recall=%.4f f1=%.4f mismatches=%d\n",
		len(examples), report.Precision, report.Recall, report.F1, len(report.Errors))

	if evalReport != "" {
		f, err := os.Create(evalReport)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if err := eval.WriteReport(f, report); err != nil {
			return err
		}
		logger.Info("Wrote evaluation report", zap.String("path", evalReport))
	}
	return nil
}
