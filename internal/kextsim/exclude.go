// Copyright 2024 PrjFS Authors
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

package kextsim

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Excludes matches vnode paths against gitignore-style patterns. Events
// on excluded paths never reach the provider.
type Excludes struct {
	patterns []string
	matcher  *ignore.GitIgnore
}

// CompileExcludes builds a matcher from gitignore lines. Patterns are
// relative to the mount root. Nil or empty input matches nothing.
func CompileExcludes(patterns []string) *Excludes {
	if len(patterns) == 0 {
		return nil
	}
	return &Excludes{
		patterns: patterns,
		matcher:  ignore.CompileIgnoreLines(patterns...),
	}
}

// Match reports whether path is excluded. Directory paths also match
// patterns with a trailing slash.
func (e *Excludes) Match(path string, isDir bool) bool {
	if e == nil {
		return false
	}
	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		// The mount root is never excluded
		return false
	}
	if isDir {
		rel += "/"
	}
	return e.matcher.MatchesPath(rel)
}

// Patterns returns the source lines.
func (e *Excludes) Patterns() []string {
	if e == nil {
		return nil
	}
	return e.patterns
}
