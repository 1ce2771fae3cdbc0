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

// Package linker serves entity linking over HTTP: mentions are detected in the posted
// texts and resolved against a knowledge base.
package linker

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/antflydb/linker/lib/kb"
	"go.uber.org/zap"
)

// LinkerNode holds the loaded state served by the API.
type LinkerNode struct {
	logger *zap.Logger

	index    *kb.Index
	linker   BatchLinker
	mentions MentionFinder
	cache    *CachedLinker
	poolSize int
	maxTexts int
}

// NewLinkerNode wires a node. cache may be nil.
func NewLinkerNode(logger *zap.Logger, index *kb.Index, linker BatchLinker, mentions MentionFinder, cache *CachedLinker, poolSize, maxTexts int) *LinkerNode {
	node := &LinkerNode{
		logger:   logger,
		index:    index,
		linker:   linker,
		mentions: mentions,
		cache:    cache,
		poolSize: poolSize,
		maxTexts: maxTexts,
	}
	if cache != nil {
		node.linker = cache
	}
	return node
}

// Handler returns the root mux: health endpoints plus the API.
func (ln *LinkerNode) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", ln.handleHealthz)
	rootMux.HandleFunc("GET /readyz", ln.handleReadyz)

	rootMux.Handle("/api/", NewLinkerAPI(ln.logger, ln))
	return corsMiddleware(rootMux)
}

// corsMiddleware adds permissive CORS headers for the linker API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsLinker loads the configured components and serves the API until ctx is done.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsLinker(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("linker")
	zl.Info("Starting linker node", zap.Any("config", config))

	if err := config.Validate(); err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}
	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}
	cacheTTL, err := parseDuration("link_cache_ttl", config.LinkCacheTTL, DefaultLinkCacheTTL)
	if err != nil {
		zl.Fatal("Invalid link cache TTL", zap.Error(err))
	}

	components, err := LoadComponents(ctx, config, zl)
	if err != nil {
		zl.Fatal("Failed to load linker components", zap.Error(err))
	}
	defer func() { _ = components.Close() }()

	var cache *CachedLinker
	if cacheTTL > 0 {
		cache = NewCachedLinker(components.Linker, cacheTTL, zl.Named("link-cache"))
		defer cache.Close()
	}

	node := NewLinkerNode(zl, components.Index, components.Linker, components.Linker, cache,
		components.Linker.PoolSize(), config.MaxTextsPerRequest)

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       540 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Linker api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
