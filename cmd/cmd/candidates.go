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
	"errors"
	"fmt"
	"strings"

	"github.com/antflydb/linker"
	"github.com/antflydb/linker/lib/kb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates <alias>",
	Short: "List knowledge-base entries for an alias",
	Long: `Look up the entries whose aliases match the given surface form, after
normalization, and print each id with its description.

Examples:
  linker candidates "new york" --knowledge-base kb.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCandidates,
}

func init() {
	rootCmd.AddCommand(candidatesCmd)
}

// loadIndexOnly reads just the knowledge base, for commands that do not link.
func loadIndexOnly(cmd *cobra.Command, logger *zap.Logger) (*kb.Index, error) {
	path := viper.GetString("knowledge_base")
	if path == "" {
		return nil, errors.New("missing required config: knowledge_base")
	}
	cfg := linker.Config{
		KnowledgeBase:  path,
		SummaryMarkers: viper.GetStringSlice("summary_markers"),
	}
	return linker.LoadIndex(cmd.Context(), cfg, logger.Named("kb"))
}

func runCandidates(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	index, err := loadIndexOnly(cmd, logger)
	if err != nil {
		return err
	}
	alias := strings.Join(args, " ")
	ids := index.Candidates(alias)
	if len(ids) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No candidates for %q\n", alias)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d candidates for %q:\n\n", len(ids), alias)
	for _, id := range ids {
		entry, err := index.Entry(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		fmt.Fprintf(cmd.OutOrStdout(), "    aliases: %s\n", strings.Join(entry.Aliases, ", "))
		if entry.Description != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", entry.Description)
		}
	}
	return nil
}
