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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"prjfs/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

// needsDaemon marks commands that talk to the daemon over IPC
const needsDaemon = "needs-daemon"

var rootCmd = &cobra.Command{
	Use:   "prjfs",
	Short: "Projected file system provider bridge",
	Long: `Runs a projected file system provider against an in-process simulation of
the kernel filter, and drives file events through it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// daemon subcommands manage the daemon themselves
		if cmd.Parent() != nil && cmd.Parent().Name() == "daemon" {
			return nil
		}

		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		if _, ok := cmd.Annotations[needsDaemon]; ok && !daemon.IsDaemonRunning() {
			if err := StartDaemonIfNeeded(true); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not auto-start daemon: %v\n", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("prjfs version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// withDaemon connects to the daemon and runs fn with the client
func withDaemon(fn func(c *daemon.Client) error) error {
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("daemon not reachable (start it with 'prjfs daemon start'): %w", err)
	}
	defer client.Close()
	return fn(client)
}
