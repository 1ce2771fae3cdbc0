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

// Package split persists a fixed shuffled ordering of a dataset and partitions it into
// training and development folds.
package split

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"
)

// DefaultFolds is the number of folds; one of them is the development set.
const DefaultFolds = 9

// Permutation returns a seeded shuffle of 0..n-1.
func Permutation(n int, seed uint64) []int {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return r.Perm(n)
}

// Partition splits the records referenced by perm: the record at position i goes to the
// development set when i % folds == mode, to training otherwise. Record order follows perm.
func Partition(perm []int, mode, folds int) (train, dev []int, err error) {
	if folds <= 0 {
		folds = DefaultFolds
	}
	if mode < 0 || mode >= folds {
		return nil, nil, fmt.Errorf("mode %d outside [0, %d)", mode, folds)
	}
	for i, idx := range perm {
		if i%folds == mode {
			dev = append(dev, idx)
		} else {
			train = append(train, idx)
		}
	}
	return train, dev, nil
}

// Validate checks perm is a permutation of 0..len(perm)-1.
func Validate(perm []int) error {
	seen := make([]bool, len(perm))
	for i, idx := range perm {
		if idx < 0 || idx >= len(perm) {
			return fmt.Errorf("position %d: index %d outside [0, %d)", i, idx, len(perm))
		}
		if seen[idx] {
			return fmt.Errorf("position %d: index %d repeated", i, idx)
		}
		seen[idx] = true
	}
	return nil
}

// Save writes perm as an indented JSON array.
func Save(w io.Writer, perm []int) error {
	data, err := sonic.ConfigStd.MarshalIndent(perm, "", "    ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// SaveFile writes perm to path.
func SaveFile(path string, perm []int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating split file: %w", err)
	}
	if err := Save(f, perm); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing split file: %w", err)
	}
	return f.Close()
}

// Load reads and validates a persisted permutation.
func Load(r io.Reader) ([]int, error) {
	var perm []int
	if err := decoder.NewStreamDecoder(r).Decode(&perm); err != nil {
		return nil, fmt.Errorf("decoding split: %w", err)
	}
	if err := Validate(perm); err != nil {
		return nil, fmt.Errorf("invalid split: %w", err)
	}
	return perm, nil
}

// LoadFile reads a permutation from path.
func LoadFile(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// LoadOrCreate loads the permutation at path, or creates and persists a new one over n
// records when the file does not exist. A persisted permutation of a different length is
// an error.
func LoadOrCreate(path string, n int, seed uint64) ([]int, bool, error) {
	perm, err := LoadFile(path)
	switch {
	case err == nil:
		if len(perm) != n {
			return nil, false, fmt.Errorf("split %s covers %d records, dataset has %d", path, len(perm), n)
		}
		return perm, false, nil
	case os.IsNotExist(err):
		perm = Permutation(n, seed)
		if err := SaveFile(path, perm); err != nil {
			return nil, false, err
		}
		return perm, true, nil
	default:
		return nil, false, err
	}
}
