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
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/linker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var healthPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the linker server",
	Long: `Start the linker HTTP API. The vocabulary, knowledge base, weights and encoders
are loaded once at startup and shared by a pool of linking pipelines.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("api-url", linker.DefaultApiUrl, "address the API listens on")
	runCmd.Flags().Int("max-texts", linker.DefaultMaxTextsPerRequest, "maximum texts per link request")
	runCmd.Flags().String("link-cache-ttl", linker.DefaultLinkCacheTTL.String(), "link result cache TTL (0 disables)")
	runCmd.Flags().IntVar(&healthPort, "health-port", 4200, "health/metrics server port")
	mustBindPFlag("api_url", runCmd.Flags().Lookup("api-url"))
	mustBindPFlag("max_texts_per_request", runCmd.Flags().Lookup("max-texts"))
	mustBindPFlag("link_cache_ttl", runCmd.Flags().Lookup("link-cache-ttl"))
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Running as linker", zap.String("version", Version))

	var ready atomic.Bool
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	readyC := make(chan struct{})
	go func() {
		select {
		case <-readyC:
			ready.Store(true)
		case <-ctx.Done():
		}
	}()

	linker.RunAsLinker(ctx, logger, cfg, readyC)
	return nil
}
