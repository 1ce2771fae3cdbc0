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

package linking

import (
	"fmt"
	"os"

	"github.com/antflydb/linker/lib/matcher"
	"github.com/antflydb/linker/lib/tagger"
	"github.com/bytedance/sonic"
)

// Weights holds the trained heads of both stages.
type Weights struct {
	Tagger  tagger.Weights  `json:"tagger"`
	Matcher matcher.Weights `json:"matcher"`
}

// LoadWeights reads Weights JSON from path.
func LoadWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading weights: %w", err)
	}
	var w Weights
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding weights %s: %w", path, err)
	}
	return &w, nil
}
