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

package vnode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdentityInUse is returned when a live vnode of the same mount
	// already carries the requested inode.
	ErrIdentityInUse = errors.New("inode already in use on mount")

	// ErrRecycled is returned by identity re-validation once a vnode has
	// started recycling or its vid no longer matches.
	ErrRecycled = errors.New("vnode recycled")
)

// LeakError lists the vnodes found alive by a leak check.
type LeakError struct {
	Leaked []string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("leak check detected %d leaked vnodes:\n%s", len(e.Leaked), strings.Join(e.Leaked, "\n"))
}
