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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"
)

// DefaultRemoteTimeout bounds a single request to a remote encoder.
const DefaultRemoteTimeout = 60 * time.Second

func init() {
	RegisterBackend(&remoteBackend{})
}

type remoteBackend struct{}

func (b *remoteBackend) Type() BackendType   { return BackendRemote }
func (b *remoteBackend) Name() string        { return "Remote inference service (HTTP)" }
func (b *remoteBackend) Available() bool     { return true }
func (b *remoteBackend) Priority() int       { return 50 }
func (b *remoteBackend) Loader() ModelLoader { return remoteLoader{} }

type remoteLoader struct{}

func (remoteLoader) Load(ctx context.Context, location string) (Model, error) {
	return NewRemoteModel(ctx, location, nil)
}

func (remoteLoader) Backend() BackendType { return BackendRemote }

// RemoteInfo is returned by GET {url}/info.
type RemoteInfo struct {
	Name       string `json:"name"`
	HiddenSize int    `json:"hidden_size"`
}

var _ Model = (*RemoteModel)(nil)

// RemoteModel forwards batches to an inference service exposing:
//
//	GET  {url}/info    -> RemoteInfo
//	POST {url}/encode  Inputs -> Output
type RemoteModel struct {
	baseURL string
	client  *http.Client
	info    RemoteInfo
}

// NewRemoteModel queries the service info and returns a model bound to it.
// A nil client uses one with DefaultRemoteTimeout.
func NewRemoteModel(ctx context.Context, baseURL string, client *http.Client) (*RemoteModel, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote encoder URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	m := &RemoteModel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("creating info request: %w", err)
	}
	if err := m.do(req, &m.info); err != nil {
		return nil, fmt.Errorf("fetching encoder info: %w", err)
	}
	if m.info.HiddenSize <= 0 {
		return nil, fmt.Errorf("remote encoder reported hidden size %d", m.info.HiddenSize)
	}
	if m.info.Name == "" {
		m.info.Name = m.baseURL
	}
	return m, nil
}

// Forward implements Model.
func (m *RemoteModel) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	body, err := sonic.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/encode", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating encode request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out Output
	if err := m.do(req, &out); err != nil {
		return nil, fmt.Errorf("remote encode: %w", err)
	}
	if err := out.Validate(inputs.BatchSize(), inputs.SeqLen(), m.info.HiddenSize); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *RemoteModel) do(req *http.Request, v any) error {
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := decoder.NewStreamDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// HiddenSize implements Model.
func (m *RemoteModel) HiddenSize() int { return m.info.HiddenSize }

// Close implements Model.
func (m *RemoteModel) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

// Name implements Model.
func (m *RemoteModel) Name() string { return m.info.Name }

// Backend implements Model.
func (m *RemoteModel) Backend() BackendType { return BackendRemote }
