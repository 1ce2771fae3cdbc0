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
	"fmt"
	"strings"
	"time"
)

// VocabType selects how the vocabulary file is read.
type VocabType string

const (
	// VocabTypeChar is a persisted character table ([id2char, char2id] JSON).
	VocabTypeChar VocabType = "char"
	// VocabTypeBert is a BERT vocab.txt, one token per line.
	VocabTypeBert VocabType = "bert"
)

// EncodingCacheBackend selects where description encodings are cached.
type EncodingCacheBackend string

const (
	EncodingCacheNone   EncodingCacheBackend = "none"
	EncodingCacheMemory EncodingCacheBackend = "memory"
	EncodingCacheRedis  EncodingCacheBackend = "redis"
)

// EncodingCacheConfig configures the description encoding cache.
type EncodingCacheConfig struct {
	Backend   EncodingCacheBackend `json:"backend,omitempty" mapstructure:"backend"`
	TTL       string               `json:"ttl,omitempty" mapstructure:"ttl"`
	Capacity  int                  `json:"capacity,omitempty" mapstructure:"capacity"`
	Addrs     []string             `json:"addrs,omitempty" mapstructure:"addrs"`
	Username  string               `json:"username,omitempty" mapstructure:"username"`
	Password  string               `json:"-" mapstructure:"password"`
	DB        int                  `json:"db,omitempty" mapstructure:"db"`
	KeyPrefix string               `json:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// Config holds everything needed to build and serve a linker.
type Config struct {
	// ApiUrl is the address the HTTP API listens on, e.g. http://localhost:11500.
	ApiUrl string `json:"api_url,omitempty" mapstructure:"api_url"`

	Vocab         string    `json:"vocab" mapstructure:"vocab"`
	VocabType     VocabType `json:"vocab_type,omitempty" mapstructure:"vocab_type"`
	KnowledgeBase string    `json:"knowledge_base" mapstructure:"knowledge_base"`
	Weights       string    `json:"weights" mapstructure:"weights"`

	// TaggerEncoder and MatcherEncoder are encoder references ("static:/path",
	// "gomlx:/dir", "gomlx:hf://owner/name", "remote:http://host"). An empty MatcherEncoder shares the tagger's encoder.
	TaggerEncoder   string   `json:"tagger_encoder" mapstructure:"tagger_encoder"`
	MatcherEncoder  string   `json:"matcher_encoder,omitempty" mapstructure:"matcher_encoder"`
	BackendPriority []string `json:"backend_priority,omitempty" mapstructure:"backend_priority"`

	SummaryMarkers []string `json:"summary_markers,omitempty" mapstructure:"summary_markers"`
	// Threshold overrides the boundary probability threshold when set. Zero is a
	// valid threshold.
	Threshold *float64 `json:"threshold,omitempty" mapstructure:"threshold"`
	// PoolSize is the number of pipelines, each with its own encoders. Zero means
	// min(NumCPU, 4).
	PoolSize int `json:"pool_size,omitempty" mapstructure:"pool_size"`

	MaxTextsPerRequest int    `json:"max_texts_per_request,omitempty" mapstructure:"max_texts_per_request"`
	LinkCacheTTL       string `json:"link_cache_ttl,omitempty" mapstructure:"link_cache_ttl"`

	EncodingCache EncodingCacheConfig `json:"encoding_cache" mapstructure:"encoding_cache"`
}

const (
	DefaultApiUrl             = "http://localhost:11500"
	DefaultMaxTextsPerRequest = 64
	DefaultLinkCacheTTL       = 2 * time.Minute
	DefaultEncodingCacheTTL   = time.Hour
)

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	var missing []string
	if c.Vocab == "" {
		missing = append(missing, "vocab")
	}
	if c.KnowledgeBase == "" {
		missing = append(missing, "knowledge_base")
	}
	if c.Weights == "" {
		missing = append(missing, "weights")
	}
	if c.TaggerEncoder == "" {
		missing = append(missing, "tagger_encoder")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.ApiUrl == "" {
		c.ApiUrl = DefaultApiUrl
	}
	if c.VocabType == "" {
		c.VocabType = VocabTypeChar
		if strings.HasSuffix(c.Vocab, ".txt") {
			c.VocabType = VocabTypeBert
		}
	}
	if c.VocabType != VocabTypeChar && c.VocabType != VocabTypeBert {
		return fmt.Errorf("unknown vocab_type %q (valid: char, bert)", c.VocabType)
	}
	if c.Threshold != nil && (*c.Threshold < 0 || *c.Threshold >= 1) {
		return fmt.Errorf("threshold must be in [0, 1), got %v", *c.Threshold)
	}
	if c.MaxTextsPerRequest <= 0 {
		c.MaxTextsPerRequest = DefaultMaxTextsPerRequest
	}
	switch c.EncodingCache.Backend {
	case "":
		c.EncodingCache.Backend = EncodingCacheNone
	case EncodingCacheNone, EncodingCacheMemory:
	case EncodingCacheRedis:
		if len(c.EncodingCache.Addrs) == 0 {
			return fmt.Errorf("encoding_cache.addrs is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown encoding_cache.backend %q (valid: none, memory, redis)", c.EncodingCache.Backend)
	}
	return nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	if value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, value, err)
	}
	return d, nil
}
