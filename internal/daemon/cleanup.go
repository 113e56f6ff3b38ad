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

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"prjfs/internal/common"
	"prjfs/internal/util"
)

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	CleanedPidFile bool    // Whether PID file was cleaned
	CleanedSocket  bool    // Whether socket file was cleaned
	Errors         []error // Any errors encountered
}

// CleanupStale removes the pid file and socket left behind by a daemon
// that exited without shutting down. Nothing is touched while a daemon
// answers on the socket.
func CleanupStale() *CleanupResult {
	result := &CleanupResult{}
	if IsDaemonRunning() {
		return result
	}

	cleaned, err := cleanupStalePidFile()
	result.CleanedPidFile = cleaned
	if err != nil {
		result.Errors = append(result.Errors, err)
	}

	cleaned, err = cleanupStaleSocket()
	result.CleanedSocket = cleaned
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	return result
}

// cleanupStalePidFile removes the PID file if its process is gone
func cleanupStalePidFile() (bool, error) {
	pid, err := GetPID()
	if err != nil {
		if errors.Is(err, common.ErrNotRunning) {
			return false, nil
		}
		// Unreadable contents are as stale as a dead process
		pid = 0
	}
	if util.IsProcessRunning(pid) {
		return false, nil
	}
	if err := os.Remove(PidPath()); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove pid file: %w", err)
	}
	return true, nil
}

// cleanupStaleSocket removes the socket file; callers have already
// established that no daemon is listening on it.
func cleanupStaleSocket() (bool, error) {
	if _, err := os.Stat(SocketPath()); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(SocketPath()); err != nil {
		return false, fmt.Errorf("failed to remove socket: %w", err)
	}
	return true, nil
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if result.CleanedPidFile {
		parts = append(parts, "Cleaned up stale PID file")
	}
	if result.CleanedSocket {
		parts = append(parts, "Cleaned up stale socket file")
	}
	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}
	return strings.Join(parts, "\n")
}
