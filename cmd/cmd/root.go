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
	"os"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/linker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from build flags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "linker",
	Short: "Entity linking service",
	Long: `linker detects entity mentions in text and resolves each one to an entry of a
knowledge base.

Configuration is read from flags, LINKER_* environment variables, a .env file
and an optional linker.yaml config file, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		linker.Version = Version
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./linker.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "terminal", "log style (terminal, json, logfmt, noop)")
	pf.String("vocab", "", "vocabulary file (char JSON or BERT vocab.txt)")
	pf.String("vocab-type", "", "vocabulary type (char, bert); inferred from the file name when empty")
	pf.String("knowledge-base", "", "knowledge-base JSON lines file")
	pf.String("weights", "", "tagger and matcher weights JSON file")
	pf.String("tagger-encoder", "", "tagger encoder reference (static:/path, gomlx:/dir, gomlx:hf://repo or remote:http://host)")
	pf.String("matcher-encoder", "", "matcher encoder reference; defaults to the tagger encoder")
	pf.StringSlice("backend-priority", nil, "encoder backend priority (static, gomlx, remote)")
	pf.StringSlice("summary-markers", nil, "attribute keys that mark an entry summary")
	pf.Float64("threshold", 0.5, "boundary probability threshold in [0, 1)")
	pf.Int("pool-size", 0, "number of linking pipelines, each with its own encoders (0 = min(CPUs, 4))")

	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("vocab", pf.Lookup("vocab"))
	mustBindPFlag("vocab_type", pf.Lookup("vocab-type"))
	mustBindPFlag("knowledge_base", pf.Lookup("knowledge-base"))
	mustBindPFlag("weights", pf.Lookup("weights"))
	mustBindPFlag("tagger_encoder", pf.Lookup("tagger-encoder"))
	mustBindPFlag("matcher_encoder", pf.Lookup("matcher-encoder"))
	mustBindPFlag("backend_priority", pf.Lookup("backend-priority"))
	mustBindPFlag("summary_markers", pf.Lookup("summary-markers"))
	mustBindPFlag("threshold", pf.Lookup("threshold"))
	mustBindPFlag("pool_size", pf.Lookup("pool-size"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

func initConfig() error {
	// .env is optional
	_ = godotenv.Load()

	viper.SetEnvPrefix("LINKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("linker")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// newLogger builds the process logger from config.
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadConfig resolves a linker.Config from viper.
func loadConfig() (linker.Config, error) {
	cfg := linker.Config{
		ApiUrl:             viper.GetString("api_url"),
		Vocab:              viper.GetString("vocab"),
		VocabType:          linker.VocabType(viper.GetString("vocab_type")),
		KnowledgeBase:      viper.GetString("knowledge_base"),
		Weights:            viper.GetString("weights"),
		TaggerEncoder:      viper.GetString("tagger_encoder"),
		MatcherEncoder:     viper.GetString("matcher_encoder"),
		BackendPriority:    viper.GetStringSlice("backend_priority"),
		SummaryMarkers:     viper.GetStringSlice("summary_markers"),
		PoolSize:           viper.GetInt("pool_size"),
		MaxTextsPerRequest: viper.GetInt("max_texts_per_request"),
		LinkCacheTTL:       viper.GetString("link_cache_ttl"),
	}
	if viper.IsSet("threshold") {
		threshold := viper.GetFloat64("threshold")
		cfg.Threshold = &threshold
	}
	if err := viper.UnmarshalKey("encoding_cache", &cfg.EncodingCache); err != nil {
		return cfg, fmt.Errorf("parsing encoding_cache: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
