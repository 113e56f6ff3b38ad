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

package util

import (
	"context"
	"fmt"
	"io"
	"os"
)

// DaemonStartConfig controls StartDaemonIfNeeded
type DaemonStartConfig struct {
	Notify     io.Writer  // Progress messages go here when non-nil
	PollConfig PollConfig // Polling config for waiting
}

// DefaultDaemonStartConfig reports progress on stderr
func DefaultDaemonStartConfig() DaemonStartConfig {
	return DaemonStartConfig{
		Notify:     os.Stderr,
		PollConfig: StartupPollConfig(),
	}
}

// StartDaemonIfNeeded starts this executable with startArgs in the
// background unless isRunning already holds, then waits for it.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, startArgs []string) error {
	if isRunning() {
		return nil
	}

	say := func(msg string) {
		if cfg.Notify != nil {
			fmt.Fprint(cfg.Notify, msg)
		}
	}
	say("Starting daemon...")

	exe, err := os.Executable()
	if err != nil {
		say(" failed\n")
		return err
	}
	if _, err := StartBackgroundProcess(exe, startArgs, nil); err != nil {
		say(" failed\n")
		return err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		say(" timeout\n")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}
	say(" done\n")
	return nil
}
