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

// Command linker runs the entity linking service and its data tooling.
//
// Usage:
//
//	linker run                          # Start the server
//	linker extract "some text"          # Link texts from the command line
//	linker candidates <alias>           # Show knowledge-base candidates for an alias
//	linker vocab --out chars.json       # Build the character vocabulary
//	linker split --out order.json       # Create the train/dev permutation
//	linker evaluate --examples dev.json # Score the linker on annotated examples
package main

import (
	"github.com/antflydb/linker/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// By default, GoReleaser will set the following 3 ldflags:
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
