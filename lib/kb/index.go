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

package kb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// maxLineSize bounds a single knowledge-base line.
const maxLineSize = 16 << 20

// Option configures index construction.
type Option func(*options)

type options struct {
	markers []string
	logger  *zap.Logger
}

// WithSummaryMarkers overrides DefaultSummaryMarkers.
func WithSummaryMarkers(markers ...string) Option {
	return func(o *options) { o.markers = markers }
}

// WithLogger sets the logger used while loading.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Index maps entry ids to entries and normalized aliases to candidate ids.
type Index struct {
	entries map[string]Entry
	order   []string
	aliases map[string][]string
}

// Build indexes records. Records whose description is empty are dropped; a record
// repeating an earlier id replaces it in place.
func Build(records []Record, opts ...Option) *Index {
	o := resolve(opts)

	idx := &Index{
		entries: make(map[string]Entry, len(records)),
		aliases: make(map[string][]string),
	}
	dropped := 0
	for _, rec := range records {
		entry, ok := newEntry(rec, o.markers)
		if !ok {
			dropped++
			continue
		}
		if _, exists := idx.entries[entry.ID]; !exists {
			idx.order = append(idx.order, entry.ID)
		}
		idx.entries[entry.ID] = entry
	}

	for _, id := range idx.order {
		for _, alias := range idx.entries[id].Aliases {
			idx.aliases[alias] = append(idx.aliases[alias], id)
		}
	}

	o.logger.Debug("Built knowledge base index",
		zap.Int("entries", len(idx.order)),
		zap.Int("aliases", len(idx.aliases)),
		zap.Int("dropped", dropped))
	return idx
}

func resolve(opts []Option) options {
	o := options{markers: DefaultSummaryMarkers}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func newEntry(rec Record, markers []string) (Entry, bool) {
	if rec.ID == "" {
		return Entry{}, false
	}
	desc := Describe(rec.Attributes, markers)
	if desc == "" {
		return Entry{}, false
	}

	seen := make(map[string]struct{}, len(rec.Aliases)+1)
	aliases := make([]string, 0, len(rec.Aliases)+1)
	for _, a := range append([]string{rec.Name}, rec.Aliases...) {
		a = Normalize(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	return Entry{ID: rec.ID, Aliases: aliases, Description: desc}, true
}

// Load reads line-delimited JSON records from r and builds the index.
func Load(ctx context.Context, r io.Reader, opts ...Option) (*Index, error) {
	o := resolve(opts)

	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parsing knowledge base line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading knowledge base: %w", err)
	}

	o.logger.Info("Loaded knowledge base records", zap.Int("records", len(records)))
	return Build(records, opts...), nil
}

// LoadFile reads the knowledge base at path.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge base: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(ctx, f, opts...)
}

// Entry returns the entry stored under id.
func (idx *Index) Entry(id string) (Entry, error) {
	e, ok := idx.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Candidates returns the ids of entries carrying alias, in knowledge-base order.
// The alias is normalized first. Unknown aliases yield nil. The returned slice is
// shared and must not be modified.
func (idx *Index) Candidates(alias string) []string {
	return idx.aliases[Normalize(alias)]
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int { return len(idx.order) }

// IDs returns entry ids in knowledge-base order.
func (idx *Index) IDs() []string {
	out := make([]string, len(idx.order))
	copy(out, idx.order)
	return out
}

// NumAliases returns the number of distinct aliases.
func (idx *Index) NumAliases() int { return len(idx.aliases) }

// Aliases returns every distinct normalized alias, sorted.
func (idx *Index) Aliases() []string {
	out := slices.Collect(maps.Keys(idx.aliases))
	slices.Sort(out)
	return out
}

// Descriptions returns every entry description in knowledge-base order.
func (idx *Index) Descriptions() []string {
	out := make([]string, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, idx.entries[id].Description)
	}
	return out
}
