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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, registered as "go" in the GoMLX backends registry.
	_ "github.com/gomlx/gomlx/backends/simplego"
)

const (
	// hubScheme prefixes HuggingFace hub repositories, e.g. hf://bert-base-chinese.
	hubScheme = "hf://"

	// HubTokenEnv names the environment variable holding the HuggingFace token.
	HubTokenEnv = "HF_TOKEN"

	outputHiddenState = "last_hidden_state"
	outputPooler      = "pooler_output"
)

// hubCandidates are tried in order when downloading a repository's encoder graph.
var hubCandidates = []string{"onnx/model.onnx", "model.onnx"}

func init() {
	RegisterBackend(newGomlxBackend("go"))
}

// gomlxBackend runs ONNX encoders through onnx-gomlx. The engine is created on first
// use and shared by every model the backend loads.
type gomlxBackend struct {
	engineType string

	once      sync.Once
	engine    backends.Backend
	engineErr error
}

func newGomlxBackend(engineType string) *gomlxBackend {
	return &gomlxBackend{engineType: engineType}
}

func (b *gomlxBackend) Type() BackendType   { return BackendGoMLX }
func (b *gomlxBackend) Name() string        { return "GoMLX (Go)" }
func (b *gomlxBackend) Priority() int       { return 20 }
func (b *gomlxBackend) Loader() ModelLoader { return &gomlxLoader{backend: b} }

func (b *gomlxBackend) Available() bool {
	_, err := b.getEngine()
	return err == nil
}

func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.once.Do(func() {
		b.engine, b.engineErr = safeNewEngine(b.engineType)
	})
	return b.engine, b.engineErr
}

// safeNewEngine creates a GoMLX engine, turning initialization panics into errors.
func safeNewEngine(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

type gomlxLoader struct {
	backend *gomlxBackend
}

func (l *gomlxLoader) Load(ctx context.Context, location string) (Model, error) {
	engine, err := l.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine %q: %w", l.backend.engineType, err)
	}
	path, err := resolveONNX(ctx, location)
	if err != nil {
		return nil, err
	}
	return NewGoMLXModel(path, engine)
}

func (l *gomlxLoader) Backend() BackendType { return BackendGoMLX }

// resolveONNX maps a location to a local .onnx file. Hub references are downloaded
// into the HuggingFace cache; directories are searched for model.onnx, then
// onnx/model.onnx, then any *.onnx file.
func resolveONNX(ctx context.Context, location string) (string, error) {
	if repoID, ok := strings.CutPrefix(location, hubScheme); ok {
		return downloadONNX(ctx, repoID)
	}
	info, err := os.Stat(location)
	if err != nil {
		return "", fmt.Errorf("encoder location: %w", err)
	}
	if !info.IsDir() {
		if filepath.Ext(location) != ".onnx" {
			return "", fmt.Errorf("%s is not an .onnx file", location)
		}
		return location, nil
	}
	for _, name := range []string{"model.onnx", filepath.Join("onnx", "model.onnx")} {
		p := filepath.Join(location, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	matches, _ := filepath.Glob(filepath.Join(location, "*.onnx"))
	if len(matches) == 0 {
		return "", fmt.Errorf("no ONNX file found in %s", location)
	}
	slices.Sort(matches)
	return matches[0], nil
}

func downloadONNX(ctx context.Context, repoID string) (string, error) {
	if repoID == "" {
		return "", fmt.Errorf("empty HuggingFace repository in %q", hubScheme)
	}
	repo := hub.New(repoID)
	if token := os.Getenv(HubTokenEnv); token != "" {
		repo = repo.WithAuth(token)
	}
	var errs []error
	for _, name := range hubCandidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path, err := repo.DownloadFile(name)
		if err == nil {
			// config.json carries hidden_size when the graph leaves it symbolic.
			_, _ = repo.DownloadFile("config.json")
			return path, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return "", fmt.Errorf("downloading encoder from %s: %w", repoID, errors.Join(errs...))
}

// modelConfig is the subset of a HuggingFace config.json read here.
type modelConfig struct {
	HiddenSize int `json:"hidden_size"`
}

// readHiddenSize looks for config.json next to the graph and one directory up, which
// covers both the flat and the onnx/ subdirectory layouts.
func readHiddenSize(onnxPath string) (int, error) {
	dir := filepath.Dir(onnxPath)
	for _, p := range []string{filepath.Join(dir, "config.json"), filepath.Join(filepath.Dir(dir), "config.json")} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg modelConfig
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return 0, fmt.Errorf("parsing %s: %w", p, err)
		}
		if cfg.HiddenSize > 0 {
			return cfg.HiddenSize, nil
		}
	}
	return 0, fmt.Errorf("hidden size is not fixed by the graph and no config.json was found near %s", onnxPath)
}

// selectOutputs picks the hidden state output (last_hidden_state, else the first
// output) and the pooler output when the graph exports one.
func selectOutputs(names []string) (hidden, pooled string, err error) {
	if len(names) == 0 {
		return "", "", fmt.Errorf("encoder graph has no outputs")
	}
	hidden = names[0]
	if slices.Contains(names, outputHiddenState) {
		hidden = outputHiddenState
	}
	if slices.Contains(names, outputPooler) {
		pooled = outputPooler
	}
	return hidden, pooled, nil
}

// checkInputs rejects graphs expecting inputs other than the three Inputs matrices.
func checkInputs(names []string) error {
	if !slices.Contains(names, "input_ids") {
		return fmt.Errorf("encoder graph has no input_ids input (inputs: %v)", names)
	}
	for _, name := range names {
		switch name {
		case "input_ids", "attention_mask", "token_type_ids":
		default:
			return fmt.Errorf("encoder graph expects unsupported input %q", name)
		}
	}
	return nil
}

var _ Model = (*GoMLXModel)(nil)

// GoMLXModel is a pretrained transformer encoder exported to ONNX and executed by
// GoMLX. When the graph exports no pooler output, the pooled vector is the first
// position's hidden state. Forward calls are serialized.
type GoMLXModel struct {
	name         string
	model        *onnx.Model
	ctx          *mlctx.Context
	engine       backends.Backend
	inputNames   []string
	hiddenOutput string
	pooledOutput string
	hiddenSize   int

	mu sync.Mutex
}

// NewGoMLXModel reads the ONNX graph at path and loads its weights into a GoMLX context.
func NewGoMLXModel(path string, engine backends.Backend) (*GoMLXModel, error) {
	om, err := onnx.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, _ := om.Inputs()
	if err := checkInputs(inputNames); err != nil {
		return nil, err
	}
	outputNames, outputShapes := om.Outputs()
	hiddenOutput, pooledOutput, err := selectOutputs(outputNames)
	if err != nil {
		return nil, err
	}

	hiddenSize := 0
	if i := slices.Index(outputNames, hiddenOutput); i >= 0 {
		if dims := outputShapes[i].Dimensions; len(dims) == 3 && dims[2] > 0 {
			hiddenSize = dims[2]
		}
	}
	if hiddenSize == 0 {
		if hiddenSize, err = readHiddenSize(path); err != nil {
			return nil, err
		}
	}

	return &GoMLXModel{
		name:         path,
		model:        om,
		ctx:          ctx,
		engine:       engine,
		inputNames:   inputNames,
		hiddenOutput: hiddenOutput,
		pooledOutput: pooledOutput,
		hiddenSize:   hiddenSize,
	}, nil
}

// Forward implements Model.
func (m *GoMLXModel) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, fmt.Errorf("model %s is closed", m.name)
	}

	batch, seq := inputs.BatchSize(), inputs.SeqLen()
	feeds := map[string]*tensors.Tensor{
		"input_ids":      flatTensor(inputs.InputIDs, batch, seq),
		"attention_mask": flatTensor(inputs.AttentionMask, batch, seq),
		"token_type_ids": flatTensor(inputs.TokenTypeIDs, batch, seq),
	}
	args := make([]any, len(m.inputNames))
	for i, name := range m.inputNames {
		args[i] = feeds[name]
	}
	outputs := []string{m.hiddenOutput}
	if m.pooledOutput != "" {
		outputs = append(outputs, m.pooledOutput)
	}

	graphFn := func(gctx *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		named := make(map[string]*graph.Node, len(nodes))
		for i, name := range m.inputNames {
			named[name] = nodes[i]
		}
		return m.model.CallGraph(gctx.Reuse(), nodes[0].Graph(), named, outputs...)
	}
	results, err := mlctx.ExecOnceN(m.engine, m.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	if len(results) != len(outputs) {
		return nil, fmt.Errorf("%w: graph returned %d outputs, want %d", ErrShapeMismatch, len(results), len(outputs))
	}

	hidden, ok := results[0].Value().([][][]float32)
	if !ok {
		return nil, fmt.Errorf("%w: %s has shape %s", ErrShapeMismatch, m.hiddenOutput, results[0].Shape())
	}
	var pooled [][]float32
	if len(results) > 1 {
		if pooled, ok = results[1].Value().([][]float32); !ok {
			return nil, fmt.Errorf("%w: %s has shape %s", ErrShapeMismatch, m.pooledOutput, results[1].Shape())
		}
	} else {
		pooled = Pool(hidden, inputs.AttentionMask, PoolingCLS)
	}

	out := &Output{LastHiddenState: hidden, Pooled: pooled}
	if err := out.Validate(batch, seq, m.hiddenSize); err != nil {
		return nil, err
	}
	return out, nil
}

// flatTensor converts an int32 matrix into the int64 [batch, seq] tensor ONNX encoders take.
func flatTensor(rows [][]int32, batch, seq int) *tensors.Tensor {
	flat := make([]int64, batch*seq)
	for i, row := range rows {
		for j, v := range row {
			flat[i*seq+j] = int64(v)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, seq)
}

// HiddenSize implements Model.
func (m *GoMLXModel) HiddenSize() int { return m.hiddenSize }

// Close implements Model.
func (m *GoMLXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = nil
	m.ctx = nil
	return nil
}

// Name implements Model.
func (m *GoMLXModel) Name() string { return m.name }

// Backend implements Model.
func (m *GoMLXModel) Backend() BackendType { return BackendGoMLX }
