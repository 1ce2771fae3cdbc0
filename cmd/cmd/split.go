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
	"github.com/antflydb/linker/lib/split"
	"github.com/spf13/cobra"
)

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Create or inspect the train/dev split",
	Long: `Load the persisted permutation of an examples file, creating it on first use,
and report the train and dev sizes for the selected fold.

Examples:
  linker split --examples train.json --out order.json --mode 0`,
	RunE: runSplit,
}

var (
	splitExamples string
	splitOut      string
	splitSeed     uint64
	splitMode     int
	splitFolds    int
)

func init() {
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().StringVar(&splitExamples, "examples", "", "annotated examples file")
	splitCmd.Flags().StringVar(&splitOut, "out", "random_order.json", "permutation file")
	splitCmd.Flags().Uint64Var(&splitSeed, "seed", 0, "seed for a new permutation")
	splitCmd.Flags().IntVar(&splitMode, "mode", 0, "dev fold index")
	splitCmd.Flags().IntVar(&splitFolds, "folds", split.DefaultFolds, "number of folds")
	_ = splitCmd.MarkFlagRequired("examples")
}

func runSplit(cmd *cobra.Command, args []string) error {
	examples, err := eval.LoadExamplesFile(cmd.Context(), splitExamples)
	if err != nil {
		return err
	}
	perm, created, err := split.LoadOrCreate(splitOut, len(examples), splitSeed)
	if err != nil {
		return err
	}
	train, dev, err := split.Partition(perm, splitMode, splitFolds)
	if err != nil {
		return err
	}
	verb := "Loaded"
	if created {
		verb = "Created"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d examples, train %d, dev %d (fold %d of %d)\n",
		verb, splitOut, len(perm), len(train), len(dev), splitMode, splitFolds)
	return nil
}
