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

package common

import (
	"path"
	"strings"
)

// CleanAbsPath cleans an absolute, slash-separated path.
// Relative or empty paths are rejected with ErrInvalidPath.
func CleanAbsPath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	return path.Clean(p), nil
}

// BaseName returns the last element of a path, or "/" for the root
func BaseName(p string) string {
	p = path.Clean(p)
	if p == "/" || p == "." {
		return p
	}
	return path.Base(p)
}

// ParentPath returns the parent directory of an absolute path
func ParentPath(p string) string {
	p = path.Clean(p)
	if p == "/" {
		return ""
	}
	return path.Dir(p)
}

// IsUnder reports whether p is dir itself or lies below it
func IsUnder(p, dir string) bool {
	p = path.Clean(p)
	dir = path.Clean(dir)
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
