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
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/linker/lib/ops"
)

// Model is a contextual encoder. Implementations must be safe for concurrent Forward
// calls or be guarded by their caller (see linking.PooledLinker).
type Model interface {
	// Forward encodes every row of inputs.
	Forward(ctx context.Context, inputs *Inputs) (*Output, error)

	// HiddenSize is the width of every produced vector.
	HiddenSize() int

	// Close releases resources associated with the model.
	Close() error

	// Name returns the model name for logging and debugging.
	Name() string

	// Backend returns the backend type this model uses.
	Backend() BackendType
}

// ModelLoader loads models for a specific backend.
type ModelLoader interface {
	// Load opens the model at location (a file path or a URL depending on the backend).
	Load(ctx context.Context, location string) (Model, error)

	// Backend returns the backend type this loader uses.
	Backend() BackendType
}

// Open loads a model from a "backend:location" reference. A bare location is loaded by
// the remote backend when it looks like a URL and by the static backend otherwise.
func Open(ctx context.Context, ref string) (Model, error) {
	bt, location := ParseModelRef(ref)
	b, used, err := GetBackendWithFallback(bt)
	if err != nil {
		return nil, err
	}
	if used != bt {
		return nil, fmt.Errorf("encoder backend %s is not available", bt)
	}
	m, err := b.Loader().Load(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoder from %s: %w", used, location, err)
	}
	return m, nil
}

// ParseModelRef splits "static:/path", "gomlx:/dir", "gomlx:hf://owner/name" or
// "remote:http://host" references. Without a prefix, URLs go to the remote backend,
// hub references and directories to gomlx, and anything else to static.
func ParseModelRef(ref string) (BackendType, string) {
	if backend, location, ok := strings.Cut(ref, ":"); ok {
		if bt, err := ParseBackendType(backend); err == nil {
			return bt, location
		}
	}
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return BackendRemote, ref
	case strings.HasPrefix(ref, hubScheme):
		return BackendGoMLX, ref
	}
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return BackendGoMLX, ref
	}
	return BackendStatic, ref
}

// Pool reduces hidden states to one vector per row, honoring the attention mask.
func Pool(hidden [][][]float32, mask [][]int32, strategy PoolingStrategy) [][]float32 {
	out := make([][]float32, len(hidden))
	for b, rows := range hidden {
		if len(rows) == 0 {
			continue
		}
		dim := len(rows[0])
		vec := make([]float32, dim)
		switch strategy {
		case PoolingCLS:
			copy(vec, rows[0])

		case PoolingMax:
			for h := range vec {
				vec[h] = ops.MaskFill
			}
			for s, row := range rows {
				if mask[b][s] == 0 {
					continue
				}
				for h, v := range row {
					vec[h] = max(vec[h], v)
				}
			}

		default:
			count := float32(0)
			for s, row := range rows {
				if mask[b][s] == 0 {
					continue
				}
				ops.Axpy(1, row, vec)
				count++
			}
			if count > 0 {
				for h := range vec {
					vec[h] /= count
				}
			}
		}
		out[b] = vec
	}
	return out
}
