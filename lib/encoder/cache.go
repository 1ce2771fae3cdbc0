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

package encoder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/antflydb/linker/lib/batching"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a Store when the key is absent.
var ErrCacheMiss = errors.New("encoding not cached")

// Store is the consumer interface for cached row encodings.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemoryStore keeps encodings in process with a TTL and a capacity bound.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore starts a ttl cache. capacity 0 means unbounded.
func NewMemoryStore(ttl time.Duration, capacity uint64) *MemoryStore {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key)
	if item == nil {
		return nil, ErrCacheMiss
	}
	return item.Value(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.cache.Set(key, value, ttlcache.DefaultTTL)
	return nil
}

// Len returns the number of cached encodings.
func (s *MemoryStore) Len() int { return s.cache.Len() }

// Close stops the expiry loop.
func (s *MemoryStore) Close() { s.cache.Stop() }

var _ Model = (*CachedModel)(nil)

// CachedModel caches the encoding of every row, keyed by its unpadded token and
// segment ids. Rows missing from the store are encoded together in a single call to
// the wrapped model. Hidden states at padded positions of cached rows are zero.
type CachedModel struct {
	inner      Model
	store      Store
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

// NewCachedModel wraps inner. cacheTotal is an optional counter vec with a single
// "result" label ("hit"/"miss").
func NewCachedModel(inner Model, store Store, cacheTotal *prometheus.CounterVec, logger *zap.Logger) *CachedModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedModel{
		inner:      inner,
		store:      store,
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// Forward implements Model.
func (c *CachedModel) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	if err := inputs.Validate(); err != nil {
		return nil, err
	}

	n, seq, h := inputs.BatchSize(), inputs.SeqLen(), c.inner.HiddenSize()
	out := &Output{
		LastHiddenState: make([][][]float32, n),
		Pooled:          make([][]float32, n),
	}

	lengths := make([]int, n)
	keys := make([]string, n)
	pending := make(map[string][]int)
	var missKeys []string
	for b := range n {
		lengths[b] = realLength(inputs.AttentionMask[b])
		keys[b] = c.cacheKey(inputs.InputIDs[b][:lengths[b]], inputs.TokenTypeIDs[b][:lengths[b]])

		if rows, pooled, ok := c.lookup(ctx, keys[b], lengths[b], h); ok {
			c.incCache("hit")
			out.LastHiddenState[b] = padRows(rows, seq, h)
			out.Pooled[b] = pooled
			continue
		}
		c.incCache("miss")
		if _, queued := pending[keys[b]]; !queued {
			missKeys = append(missKeys, keys[b])
		}
		pending[keys[b]] = append(pending[keys[b]], b)
	}

	if len(missKeys) == 0 {
		return out, nil
	}

	ids := make([][]int32, len(missKeys))
	segs := make([][]int32, len(missKeys))
	for i, key := range missKeys {
		b := pending[key][0]
		ids[i] = inputs.InputIDs[b][:lengths[b]]
		segs[i] = inputs.TokenTypeIDs[b][:lengths[b]]
	}
	sub, err := subInputs(ids, segs)
	if err != nil {
		return nil, err
	}
	res, err := c.inner.Forward(ctx, sub)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(len(missKeys), sub.SeqLen(), h); err != nil {
		return nil, err
	}

	for i, key := range missKeys {
		length := len(ids[i])
		rows := res.LastHiddenState[i][:length]
		c.put(ctx, key, rows, res.Pooled[i])
		for _, b := range pending[key] {
			out.LastHiddenState[b] = padRows(rows, seq, h)
			out.Pooled[b] = res.Pooled[i]
		}
	}

	c.logger.Debug("Encoded rows",
		zap.Int("rows", n),
		zap.Int("encoded", len(missKeys)))
	return out, nil
}

func subInputs(ids, segs [][]int32) (*Inputs, error) {
	paddedIDs, _, err := batching.Pad(ids)
	if err != nil {
		return nil, err
	}
	paddedSegs, _, err := batching.Pad(segs)
	if err != nil {
		return nil, err
	}
	mask, _, err := batching.Pad(batching.Ones(ids))
	if err != nil {
		return nil, err
	}
	return &Inputs{InputIDs: paddedIDs, TokenTypeIDs: paddedSegs, AttentionMask: mask}, nil
}

func (c *CachedModel) lookup(ctx context.Context, key string, length, h int) ([][]float32, []float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Failed to get cached encoding", zap.String("key", key), zap.Error(err))
		}
		return nil, nil, false
	}
	rows, pooled, err := decodeRow(data)
	if err != nil || len(rows) != length || len(pooled) != h {
		c.logger.Warn("Discarding malformed cached encoding", zap.String("key", key), zap.Error(err))
		return nil, nil, false
	}
	return rows, pooled, true
}

func (c *CachedModel) put(ctx context.Context, key string, rows [][]float32, pooled []float32) {
	if err := c.store.Set(ctx, key, encodeRow(rows, pooled)); err != nil {
		c.logger.Warn("Failed to cache encoding", zap.String("key", key), zap.Error(err))
	}
}

func (c *CachedModel) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *CachedModel) cacheKey(ids, segs []int32) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.inner.Name())
	_, _ = h.WriteString("|")
	var buf [4]byte
	for i := range ids {
		binary.LittleEndian.PutUint32(buf[:], uint32(ids[i]))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:], uint32(segs[i]))
		_, _ = h.Write(buf[:])
	}
	return "enc:" + strconv.FormatUint(h.Sum64(), 16)
}

// HiddenSize implements Model.
func (c *CachedModel) HiddenSize() int { return c.inner.HiddenSize() }

// Close implements Model.
func (c *CachedModel) Close() error { return c.inner.Close() }

// Name implements Model.
func (c *CachedModel) Name() string { return c.inner.Name() }

// Backend implements Model.
func (c *CachedModel) Backend() BackendType { return c.inner.Backend() }

func realLength(mask []int32) int {
	n := 0
	for _, m := range mask {
		if m != 0 {
			n++
		}
	}
	return n
}

func padRows(rows [][]float32, seq, h int) [][]float32 {
	out := make([][]float32, seq)
	copy(out, rows)
	for s := len(rows); s < seq; s++ {
		out[s] = make([]float32, h)
	}
	return out
}

// encodeRow serializes [length, hidden] header, hidden states and pooled vector as
// little-endian float32.
func encodeRow(rows [][]float32, pooled []float32) []byte {
	h := len(pooled)
	buf := make([]byte, 8, 8+4*(len(rows)+1)*h)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(rows)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h))
	for _, row := range rows {
		for _, f := range row {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	for _, f := range pooled {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func decodeRow(data []byte) ([][]float32, []float32, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("cached encoding too short: %d bytes", len(data))
	}
	length := int(binary.LittleEndian.Uint32(data[0:]))
	h := int(binary.LittleEndian.Uint32(data[4:]))
	if want := 8 + 4*(length+1)*h; len(data) != want {
		return nil, nil, fmt.Errorf("cached encoding has %d bytes, want %d", len(data), want)
	}
	off := 8
	next := func() float32 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		return f
	}
	rows := make([][]float32, length)
	for s := range rows {
		row := make([]float32, h)
		for i := range row {
			row[i] = next()
		}
		rows[s] = row
	}
	pooled := make([]float32, h)
	for i := range pooled {
		pooled[i] = next()
	}
	return rows, pooled, nil
}
