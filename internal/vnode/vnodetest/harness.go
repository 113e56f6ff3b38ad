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

// Package vnodetest binds a vnode.Session to a test case and asserts at
// teardown that the code under test released every vnode it created.
package vnodetest

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"prjfs/internal/vnode"
)

// NewSession returns a session whose live-object set must be empty when t
// finishes. Leaks fail the test rather than being silently dropped.
func NewSession(t testing.TB) *vnode.Session {
	t.Helper()

	s := vnode.NewSession(logrus.WithField("test", t.Name()))
	t.Cleanup(func() {
		AssertNoLeaks(t, s)
	})
	return s
}

// TestingT is the subset of testing.TB the assertions need.
type TestingT interface {
	Errorf(format string, args ...any)
	Helper()
}

// AssertNoLeaks checks that no vnode is alive and clears the session.
func AssertNoLeaks(t TestingT, s *vnode.Session) bool {
	t.Helper()
	err := s.CheckAndClear()
	return assert.NoError(t, err, "vnode leak check")
}

// AssertLeaked checks that exactly n vnodes are alive, then clears the
// session so the teardown check passes. Use it in tests that leak on
// purpose.
func AssertLeaked(t TestingT, s *vnode.Session, n int) bool {
	t.Helper()
	err := s.CheckAndClear()
	if n == 0 {
		return assert.NoError(t, err)
	}
	var leakErr *vnode.LeakError
	if !assert.True(t, errors.As(err, &leakErr), "expected *vnode.LeakError, got %v", err) {
		return false
	}
	return assert.Len(t, leakErr.Leaked, n)
}
