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

package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by a PooledLinker after Close.
var ErrClosed = errors.New("linker is closed")

// PooledLinker manages multiple pipelines for concurrent linking.
// Each request acquires a pipeline slot via semaphore; a pipeline is only ever used by
// one request at a time.
type PooledLinker struct {
	pipelines    []*Pipeline
	locks        []sync.Mutex
	sem          *semaphore.Weighted
	nextPipeline atomic.Uint64
	closed       atomic.Bool
	logger       *zap.Logger
}

// NewPooledLinker pools the given pipelines, typically one per device.
func NewPooledLinker(pipelines []*Pipeline, logger *zap.Logger) (*PooledLinker, error) {
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("at least one pipeline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Created pooled linker", zap.Int("count", len(pipelines)))
	return &PooledLinker{
		pipelines: pipelines,
		locks:     make([]sync.Mutex, len(pipelines)),
		sem:       semaphore.NewWeighted(int64(len(pipelines))),
		logger:    logger,
	}, nil
}

// PoolSize returns the number of pipelines.
func (p *PooledLinker) PoolSize() int { return len(p.pipelines) }

func (p *PooledLinker) acquire(ctx context.Context) (int, func(), error) {
	if p.closed.Load() {
		return 0, nil, ErrClosed
	}
	// Acquire semaphore slot (blocks if all pipelines busy)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("acquiring pipeline slot: %w", err)
	}
	idx := int(p.nextPipeline.Add(1) % uint64(len(p.pipelines)))
	p.locks[idx].Lock()
	return idx, func() {
		p.locks[idx].Unlock()
		p.sem.Release(1)
	}, nil
}

// Extract links one text.
func (p *PooledLinker) Extract(ctx context.Context, text string) ([]Result, error) {
	idx, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := p.pipelines[idx].Extract(ctx, text)
	if err != nil {
		p.logger.Error("Pipeline extraction failed",
			zap.Int("pipelineIndex", idx),
			zap.Error(err))
		return nil, err
	}
	return results, nil
}

// Mentions returns the decoded spans of one text.
func (p *PooledLinker) Mentions(ctx context.Context, text string) ([]Mention, error) {
	idx, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.pipelines[idx].Mentions(ctx, text)
}

// ExtractBatch links every text, running up to PoolSize texts in parallel.
// The result at index i belongs to texts[i].
func (p *PooledLinker) ExtractBatch(ctx context.Context, texts []string) ([][]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]Result, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.pipelines))
	for i, text := range texts {
		g.Go(func() error {
			r, err := p.Extract(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Debug("Linked batch",
		zap.Int("num_texts", len(texts)),
		zap.Int("total_results", countResults(results)))
	return results, nil
}

// Close rejects further requests and waits for in-flight ones to finish.
func (p *PooledLinker) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.sem.Acquire(context.Background(), int64(len(p.pipelines))); err != nil {
		return err
	}
	p.sem.Release(int64(len(p.pipelines)))
	p.logger.Debug("Closed pooled linker")
	return nil
}

func countResults(results [][]Result) int {
	count := 0
	for _, r := range results {
		count += len(r)
	}
	return count
}
