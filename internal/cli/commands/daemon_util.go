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

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"prjfs/internal/common"
	"prjfs/internal/daemon"
	"prjfs/internal/util"
)

// StartDaemonIfNeeded starts the daemon in the background if not running.
// If notify is true, progress is printed to stderr.
func StartDaemonIfNeeded(notify bool) error {
	cfg := util.DefaultDaemonStartConfig()
	if !notify {
		cfg.Notify = nil
	}
	return util.StartDaemonIfNeeded(
		context.Background(),
		cfg,
		daemon.IsDaemonRunning,
		[]string{"daemon", "run"},
	)
}

// stopDaemonAndWait asks the daemon to stop and waits for its process to
// exit, killing it if it does not exit in time.
func stopDaemonAndWait() error {
	pid, err := daemon.GetPID()
	if err != nil && !errors.Is(err, common.ErrNotRunning) {
		return fmt.Errorf("failed to read pid file: %w", err)
	}

	gracefulStop := func() error {
		client, err := daemon.Connect()
		if err != nil {
			return err
		}
		defer client.Close()
		_, err = client.Stop()
		return err
	}
	isRunning := func() bool {
		if pid > 0 {
			return util.IsProcessRunning(pid)
		}
		return daemon.IsDaemonRunning()
	}

	cfg := util.ProcessConfig{GracefulTimeout: 10 * time.Second, PollInterval: 25 * time.Millisecond}
	if err := util.StopProcess(context.Background(), pid, cfg, gracefulStop, isRunning); err != nil {
		return err
	}

	if result := daemon.CleanupStale(); result.CleanedPidFile || result.CleanedSocket {
		fmt.Fprintln(os.Stderr, daemon.FormatCleanupResult(result))
	}
	return nil
}
