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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is an encoder backend that can load models.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// Loader returns the ModelLoader for this backend.
	Loader() ModelLoader
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex

	// defaultPriority is used until SetPriority is called.
	defaultPriority = []BackendType{BackendStatic, BackendGoMLX, BackendRemote}
	configPriority  []BackendType
	priorityMu      sync.RWMutex
)

// RegisterBackend registers a backend. Later registrations for the same type overwrite
// earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListAvailable returns the available backends in priority order.
func ListAvailable() []Backend {
	priority := GetPriority()

	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	seen := make(map[BackendType]bool)
	for _, t := range priority {
		if b, ok := registry[t]; ok && b.Available() {
			result = append(result, b)
			seen[t] = true
		}
	}

	var rest []Backend
	for t, b := range registry {
		if !seen[t] && b.Available() {
			rest = append(rest, b)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Priority() < rest[j].Priority()
	})
	return append(result, rest...)
}

// SetPriority sets the backend selection priority order.
func SetPriority(order []BackendType) {
	priorityMu.Lock()
	defer priorityMu.Unlock()
	configPriority = make([]BackendType, len(order))
	copy(configPriority, order)
}

// GetPriority returns the configured priority if set, otherwise the default.
func GetPriority() []BackendType {
	priorityMu.RLock()
	defer priorityMu.RUnlock()
	src := defaultPriority
	if len(configPriority) > 0 {
		src = configPriority
	}
	result := make([]BackendType, len(src))
	copy(result, src)
	return result
}

// GetDefaultBackend returns the first available backend according to priority order,
// or nil when none is available.
func GetDefaultBackend() Backend {
	available := ListAvailable()
	if len(available) == 0 {
		return nil
	}
	return available[0]
}

// GetBackendWithFallback returns the preferred backend when available, otherwise the
// default one.
func GetBackendWithFallback(preferred BackendType) (Backend, BackendType, error) {
	if b, ok := GetBackend(preferred); ok && b.Available() {
		return b, preferred, nil
	}
	b := GetDefaultBackend()
	if b == nil {
		return nil, "", fmt.Errorf("no available encoder backends (preferred: %q)", preferred)
	}
	return b, b.Type(), nil
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "static":
		return BackendStatic, nil
	case "gomlx":
		return BackendGoMLX, nil
	case "remote":
		return BackendRemote, nil
	default:
		return "", fmt.Errorf("unknown encoder backend: %q (valid: static, gomlx, remote)", s)
	}
}

// ParseBackendPriority parses a list of backend names.
func ParseBackendPriority(priority []string) ([]BackendType, error) {
	out := make([]BackendType, 0, len(priority))
	for _, s := range priority {
		bt, err := ParseBackendType(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		out = append(out, bt)
	}
	return out, nil
}
