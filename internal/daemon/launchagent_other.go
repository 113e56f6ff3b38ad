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

//go:build !darwin

package daemon

import "errors"

// ErrLaunchAgentNotSupported is returned on non-macOS platforms
var ErrLaunchAgentNotSupported = errors.New("login start is only supported on macOS")

// LaunchAgentPath returns empty string on non-macOS platforms
func LaunchAgentPath() string {
	return ""
}

// SetLoginStart fails when enabling on non-macOS platforms; disabling is
// a no-op.
func SetLoginStart(enabled bool) error {
	if enabled {
		return ErrLaunchAgentNotSupported
	}
	return nil
}

// IsLaunchAgentLoaded returns false on non-macOS platforms
func IsLaunchAgentLoaded() bool {
	return false
}

// LaunchAgentStatus returns status on non-macOS platforms
func LaunchAgentStatus() string {
	return "not supported on this platform"
}
