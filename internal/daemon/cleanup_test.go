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
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCleanupResult(t *testing.T) {
	tests := []struct {
		name   string
		result CleanupResult
		want   []string
	}{
		{"empty", CleanupResult{}, []string{"No cleanup needed"}},
		{"pid file", CleanupResult{CleanedPidFile: true}, []string{"stale PID file"}},
		{"socket", CleanupResult{CleanedSocket: true}, []string{"stale socket file"}},
		{"errors", CleanupResult{Errors: []error{errors.New("error 1"), errors.New("error 2")}},
			[]string{"2 error(s)", "error 1", "error 2"}},
		{"full", CleanupResult{CleanedPidFile: true, CleanedSocket: true, Errors: []error{errors.New("boom")}},
			[]string{"PID file", "socket file", "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatCleanupResult(&tt.result)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestCleanupStale(t *testing.T) {
	t.Setenv("PRJFS_CONFIG_DIR", shortTempDir(t))
	require.NoError(t, EnsureConfigDir())

	t.Run("nothing to clean", func(t *testing.T) {
		result := CleanupStale()
		assert.False(t, result.CleanedPidFile)
		assert.False(t, result.CleanedSocket)
		assert.Empty(t, result.Errors)
	})

	t.Run("dead pid and leftover socket", func(t *testing.T) {
		// PIDs are bounded well below this on Linux and macOS
		require.NoError(t, os.WriteFile(PidPath(), []byte("99999999"), 0600))
		require.NoError(t, os.WriteFile(SocketPath(), nil, 0600))

		result := CleanupStale()
		assert.True(t, result.CleanedPidFile)
		assert.True(t, result.CleanedSocket)
		assert.NoFileExists(t, PidPath())
		assert.NoFileExists(t, SocketPath())
	})

	t.Run("live pid kept", func(t *testing.T) {
		require.NoError(t, os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600))
		result := CleanupStale()
		assert.False(t, result.CleanedPidFile)
		assert.FileExists(t, PidPath())
	})
}
