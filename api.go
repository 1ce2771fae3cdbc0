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
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/antflydb/linker/lib/kb"
	"github.com/antflydb/linker/lib/linking"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

// LinkRequest is the body of POST /api/link.
type LinkRequest struct {
	Texts []string `json:"texts"`
}

// LinkResponse holds one result list per request text.
type LinkResponse struct {
	Results [][]linking.Result `json:"results"`
}

// MentionsRequest is the body of POST /api/mentions.
type MentionsRequest struct {
	Text string `json:"text"`
}

// MentionsResponse lists the decoded spans of a text.
type MentionsResponse struct {
	Mentions []linking.Mention `json:"mentions"`
}

// CandidatesResponse lists the entries sharing an alias.
type CandidatesResponse struct {
	Alias      string     `json:"alias"`
	Candidates []kb.Entry `json:"candidates"`
}

// VersionResponse describes the running build.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// MentionFinder decodes mention spans without resolving them.
type MentionFinder interface {
	Mentions(ctx context.Context, text string) ([]linking.Mention, error)
}

// LinkerAPI serves the /api routes.
type LinkerAPI struct {
	logger *zap.Logger
	node   *LinkerNode
}

// NewLinkerAPI creates the HTTP handler for the linker API.
func NewLinkerAPI(logger *zap.Logger, node *LinkerNode) http.Handler {
	api := &LinkerAPI{
		logger: logger,
		node:   node,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/link", api.LinkTexts)
	mux.HandleFunc("POST /api/mentions", api.FindMentions)
	mux.HandleFunc("GET /api/candidates", api.ListCandidates)
	mux.HandleFunc("GET /api/entries/{id}", api.GetEntry)
	mux.HandleFunc("GET /api/version", api.GetVersion)
	return mux
}

// LinkTexts links every request text.
func (t *LinkerAPI) LinkTexts(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var req LinkRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		t.fail(w, "link", start, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Texts) == 0 {
		t.fail(w, "link", start, "texts are required", http.StatusBadRequest)
		return
	}
	if limit := t.node.maxTexts; limit > 0 && len(req.Texts) > limit {
		t.fail(w, "link", start, fmt.Sprintf("at most %d texts per request, got %d", limit, len(req.Texts)), http.StatusBadRequest)
		return
	}

	results, err := t.node.linker.ExtractBatch(r.Context(), req.Texts)
	if err != nil {
		t.logger.Error("Linking failed",
			zap.Int("num_texts", len(req.Texts)),
			zap.Error(err))
		t.fail(w, "link", start, fmt.Sprintf("linking failed: %v", err), statusFor(err))
		return
	}
	// Results may be shared with the link cache; normalize a copy.
	rows := make([][]linking.Result, len(results))
	for i, row := range results {
		if row == nil {
			row = []linking.Result{}
		}
		rows[i] = row
	}
	results = rows

	total := 0
	for _, r := range results {
		total += len(r)
	}
	RecordLinkRequest("link", len(req.Texts), total)
	RecordRequestDuration("link", "200", time.Since(start).Seconds())
	t.logger.Info("Link request completed",
		zap.Int("num_texts", len(req.Texts)),
		zap.Int("total_links", total))

	t.write(w, LinkResponse{Results: results})
}

// FindMentions returns the decoded spans of one text.
func (t *LinkerAPI) FindMentions(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var req MentionsRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		t.fail(w, "mentions", start, err.Error(), http.StatusBadRequest)
		return
	}
	mentions, err := t.node.mentions.Mentions(r.Context(), req.Text)
	if err != nil {
		t.logger.Error("Mention decoding failed", zap.Error(err))
		t.fail(w, "mentions", start, fmt.Sprintf("mention decoding failed: %v", err), statusFor(err))
		return
	}
	if mentions == nil {
		mentions = []linking.Mention{}
	}
	RecordLinkRequest("mentions", 1, 0)
	RecordRequestDuration("mentions", "200", time.Since(start).Seconds())
	t.write(w, MentionsResponse{Mentions: mentions})
}

// ListCandidates returns the entries registered under ?alias=.
func (t *LinkerAPI) ListCandidates(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("alias")
	if alias == "" {
		http.Error(w, "alias is required", http.StatusBadRequest)
		return
	}
	resp := CandidatesResponse{Alias: kb.Normalize(alias), Candidates: []kb.Entry{}}
	for _, id := range t.node.index.Candidates(alias) {
		entry, err := t.node.index.Entry(id)
		if err != nil {
			t.logger.Error("Alias index references a missing entry",
				zap.String("entity_id", id), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Candidates = append(resp.Candidates, entry)
	}
	t.write(w, resp)
}

// GetEntry returns one knowledge-base entry.
func (t *LinkerAPI) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := t.node.index.Entry(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	t.write(w, entry)
}

// GetVersion reports build information.
func (t *LinkerAPI) GetVersion(w http.ResponseWriter, r *http.Request) {
	t.write(w, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})
}

func (t *LinkerAPI) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(v); err != nil {
		t.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (t *LinkerAPI) fail(w http.ResponseWriter, endpoint string, start time.Time, msg string, status int) {
	RecordRequestDuration(endpoint, strconv.Itoa(status), time.Since(start).Seconds())
	http.Error(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, linking.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
