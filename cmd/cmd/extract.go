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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/linker"
	"github.com/antflydb/linker/lib/linking"
	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract [text...]",
	Short: "Link entities in texts",
	Long: `Link entities in the given texts and print one JSON array of results per text.
With no arguments, texts are read from stdin, one per line.

Examples:
  linker extract "Paris is the capital of France"
  cat texts.txt | linker extract --mentions-only`,
	RunE: runExtract,
}

var mentionsOnly bool

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().BoolVar(&mentionsOnly, "mentions-only", false, "print detected mentions without linking")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	texts := args
	if len(texts) == 0 {
		if texts, err = readLines(os.Stdin); err != nil {
			return err
		}
	}

	components, err := linker.LoadComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	enc := encoder.NewStreamEncoder(cmd.OutOrStdout())
	if mentionsOnly {
		for _, text := range texts {
			mentions, err := components.Linker.Mentions(ctx, text)
			if err != nil {
				return err
			}
			if mentions == nil {
				mentions = []linking.Mention{}
			}
			if err := enc.Encode(mentions); err != nil {
				return err
			}
		}
		return nil
	}

	results, err := components.Linker.ExtractBatch(ctx, texts)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r == nil {
			r = []linking.Result{}
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func readLines(f *os.File) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return lines, nil
}
