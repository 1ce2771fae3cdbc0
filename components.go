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

package linker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/antflydb/linker/lib/encoder"
	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/linking"
	"github.com/antflydb/linker/lib/matcher"
	"github.com/antflydb/linker/lib/tagger"
	"github.com/antflydb/linker/lib/vocab"
	"go.uber.org/zap"
)

// Components are the loaded vocabulary, knowledge base and pipeline pool.
type Components struct {
	Vocab  vocab.Vocabulary
	Index  *kb.Index
	Linker *linking.PooledLinker

	pipelines []*linking.Pipeline
	encoders  []encoder.Model
	closers   []func() error
}

// Close releases the pool, encoders and cache stores in reverse load order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// LoadVocab reads the vocabulary named by cfg.
func LoadVocab(cfg Config) (vocab.Vocabulary, error) {
	switch cfg.VocabType {
	case VocabTypeBert:
		return vocab.LoadBertVocab(cfg.Vocab)
	default:
		return vocab.LoadCharVocabFile(cfg.Vocab)
	}
}

// LoadIndex reads the knowledge base named by cfg.
func LoadIndex(ctx context.Context, cfg Config, logger *zap.Logger) (*kb.Index, error) {
	opts := []kb.Option{kb.WithLogger(logger)}
	if len(cfg.SummaryMarkers) > 0 {
		opts = append(opts, kb.WithSummaryMarkers(cfg.SummaryMarkers...))
	}
	return kb.LoadFile(ctx, cfg.KnowledgeBase, opts...)
}

// LoadComponents builds everything a linker needs from cfg. cfg must be validated.
func LoadComponents(ctx context.Context, cfg Config, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if len(cfg.BackendPriority) > 0 {
		priority, err := encoder.ParseBackendPriority(cfg.BackendPriority)
		if err != nil {
			return nil, err
		}
		encoder.SetPriority(priority)
	}

	start := time.Now()
	if c.Vocab, err = LoadVocab(cfg); err != nil {
		return nil, fmt.Errorf("loading vocabulary: %w", err)
	}
	RecordLoadDuration("vocab", time.Since(start).Seconds())
	logger.Info("Loaded vocabulary",
		zap.String("path", cfg.Vocab),
		zap.String("type", string(cfg.VocabType)),
		zap.Int("size", c.Vocab.Size()))

	start = time.Now()
	if c.Index, err = LoadIndex(ctx, cfg, logger.Named("kb")); err != nil {
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}
	RecordLoadDuration("knowledge_base", time.Since(start).Seconds())
	SetKnowledgeBaseSize(c.Index.Len(), c.Index.NumAliases())
	logger.Info("Loaded knowledge base",
		zap.String("path", cfg.KnowledgeBase),
		zap.Int("entries", c.Index.Len()),
		zap.Int("aliases", c.Index.NumAliases()))

	weights, err := linking.LoadWeights(cfg.Weights)
	if err != nil {
		return nil, err
	}

	store, err := c.openEncodingStore(cfg.EncodingCache, logger.Named("encoding-cache"))
	if err != nil {
		return nil, err
	}

	var opts []linking.Option
	if cfg.Threshold != nil {
		opts = append(opts, linking.WithThreshold(float32(*cfg.Threshold)))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	// Each slot owns its encoders so the pool lock serializes a whole pipeline.
	c.pipelines = make([]*linking.Pipeline, poolSize)
	for i := range c.pipelines {
		slotLogger := logger.With(zap.Int("slot", i))
		tg, mt, err := c.loadSlot(ctx, cfg, weights, store, slotLogger)
		if err != nil {
			return nil, fmt.Errorf("loading pipeline %d: %w", i, err)
		}
		c.pipelines[i] = linking.New(c.Vocab, c.Index, tg, mt, slotLogger.Named("pipeline"), opts...)
	}
	if c.Linker, err = linking.NewPooledLinker(c.pipelines, logger.Named("pool")); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Linker.Close)
	logger.Info("Linking pool ready", zap.Int("pool_size", poolSize))
	return c, nil
}

// loadSlot opens one pipeline's encoders and builds its tagger and matcher.
func (c *Components) loadSlot(ctx context.Context, cfg Config, weights *linking.Weights, store encoder.Store, logger *zap.Logger) (*tagger.Tagger, *matcher.Matcher, error) {
	start := time.Now()
	taggerEnc, err := c.openEncoder(ctx, cfg.TaggerEncoder)
	if err != nil {
		return nil, nil, fmt.Errorf("opening tagger encoder: %w", err)
	}
	RecordLoadDuration("tagger_encoder", time.Since(start).Seconds())
	logger.Debug("Opened tagger encoder",
		zap.String("name", taggerEnc.Name()),
		zap.String("backend", string(taggerEnc.Backend())),
		zap.Int("hidden_size", taggerEnc.HiddenSize()))

	matcherEnc := taggerEnc
	if cfg.MatcherEncoder != "" && cfg.MatcherEncoder != cfg.TaggerEncoder {
		start = time.Now()
		if matcherEnc, err = c.openEncoder(ctx, cfg.MatcherEncoder); err != nil {
			return nil, nil, fmt.Errorf("opening matcher encoder: %w", err)
		}
		RecordLoadDuration("matcher_encoder", time.Since(start).Seconds())
		logger.Debug("Opened matcher encoder",
			zap.String("name", matcherEnc.Name()),
			zap.String("backend", string(matcherEnc.Backend())))
	}
	if store != nil {
		matcherEnc = encoder.NewCachedModel(matcherEnc, store, encodingCacheTotal, logger.Named("encoding-cache"))
	}

	tg, err := tagger.New(taggerEnc, weights.Tagger, logger.Named("tagger"))
	if err != nil {
		return nil, nil, err
	}
	mt, err := matcher.New(matcherEnc, weights.Matcher, logger.Named("matcher"))
	if err != nil {
		return nil, nil, err
	}
	return tg, mt, nil
}

func (c *Components) openEncoder(ctx context.Context, ref string) (encoder.Model, error) {
	m, err := encoder.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.encoders = append(c.encoders, m)
	c.closers = append(c.closers, m.Close)
	return m, nil
}

// openEncodingStore opens the description encoding store shared by every pipeline.
// It returns nil when caching is disabled.
func (c *Components) openEncodingStore(cfg EncodingCacheConfig, logger *zap.Logger) (encoder.Store, error) {
	ttl, err := parseDuration("encoding_cache.ttl", cfg.TTL, DefaultEncodingCacheTTL)
	if err != nil {
		return nil, err
	}
	var store encoder.Store
	switch cfg.Backend {
	case EncodingCacheMemory:
		mem := encoder.NewMemoryStore(ttl, uint64(max(cfg.Capacity, 0)))
		c.closers = append(c.closers, func() error { mem.Close(); return nil })
		store = mem
	case EncodingCacheRedis:
		rs, err := encoder.NewRedisStore(encoder.RedisConfig{
			Addrs:     cfg.Addrs,
			Username:  cfg.Username,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting encoding cache: %w", err)
		}
		c.closers = append(c.closers, func() error { rs.Close(); return nil })
		store = rs
	default:
		return nil, nil
	}
	logger.Info("Caching description encodings",
		zap.String("backend", string(cfg.Backend)),
		zap.Duration("ttl", ttl))
	return store, nil
}
