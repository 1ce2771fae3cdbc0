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
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for /readyz endpoint
type ReadyResponse struct {
	Status        string         `json:"status"`
	KnowledgeBase ReadyKB        `json:"knowledge_base"`
	Pipelines     int            `json:"pipelines"`
	Detailed      map[string]any `json:"detailed,omitempty"`
}

// ReadyKB shows knowledge-base availability
type ReadyKB struct {
	Entries int `json:"entries"`
	Aliases int `json:"aliases"`
}

// handleHealthz returns 200 if the service is running (liveness check)
func (ln *LinkerNode) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleReadyz returns 200 once a non-empty knowledge base and a pipeline pool are
// loaded (readiness check)
func (ln *LinkerNode) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:    "ready",
		Pipelines: ln.poolSize,
	}
	if ln.index != nil {
		resp.KnowledgeBase.Entries = ln.index.Len()
		resp.KnowledgeBase.Aliases = ln.index.NumAliases()
	}
	if ln.cache != nil {
		resp.Detailed = map[string]any{"link_cache": ln.cache.Stats()}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.KnowledgeBase.Entries == 0 || ln.linker == nil {
		resp.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = encoder.NewStreamEncoder(w).Encode(resp)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(resp)
}
