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
	"strings"

	"github.com/spf13/cobra"

	"prjfs/internal/daemon"
	"prjfs/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the prjfs provider daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the prjfs provider daemon in the background.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemonForeground()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running prjfs provider daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the daemon is running and its persistent settings.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in ~/.prjfs/settings.yaml. The log level is applied to a
running daemon immediately; other settings take effect on next daemon start.

Examples:
  # Enable debug logging
  prjfs daemon config --logging debug

  # Load the queue compat library from a custom path
  prjfs daemon config --compat-library /usr/local/lib/libSharedDataQueue.so

  # Drop events for editor swap files
  prjfs daemon config --exclude '*.swp' --exclude '.git/'

  # Enable auto-start on login (macOS)
  prjfs daemon config --login-start on

  # Show current configuration
  prjfs daemon config`,
	Args: cobra.NoArgs,
	RunE: runDaemonConfig,
}

var (
	daemonForeground  bool
	daemonLogLevel    string
	daemonRestart     bool
	daemonSkipCleanup bool

	configLogLevel        string
	configLoginStart      string
	configCompatLibrary   string
	configQueueSize       int
	configExpectedVersion string
	configMountType       string
	configExcludes        []string
	configClearExcludes   bool
)

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running")
	for _, c := range []*cobra.Command{daemonStartCmd, daemonRunCmd} {
		c.Flags().StringVar(&daemonLogLevel, "logging", "", "Log level override for this run: trace, debug, info, warn, none")
		c.Flags().BoolVar(&daemonSkipCleanup, "skip-cleanup", false, "Skip removal of a stale pid file and socket")
	}

	f := daemonConfigCmd.Flags()
	f.StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	f.StringVar(&configLoginStart, "login-start", "", "Auto-start on login: on, off")
	f.StringVar(&configCompatLibrary, "compat-library", "", "Path or name of the queue compat library")
	f.IntVar(&configQueueSize, "queue-size", 0, "Event queue size in bytes")
	f.StringVar(&configExpectedVersion, "expected-version", "", "Interface version the provider requires")
	f.StringVar(&configMountType, "mount-type", "", "File system type name of the simulated mount")
	f.StringArrayVar(&configExcludes, "exclude", nil, "Add a gitignore-style exclude pattern (repeatable)")
	f.BoolVar(&configClearExcludes, "clear-excludes", false, "Remove all exclude patterns")

	daemonCmd.AddCommand(daemonStartCmd, daemonRunCmd, daemonStopCmd, daemonStatusCmd, daemonConfigCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonForeground() error {
	d := daemon.New()
	d.LogLevel = daemonLogLevel
	d.SkipCleanup = daemonSkipCleanup
	return d.Run()
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
		fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		return runDaemonForeground()
	}

	cmdArgs := []string{"daemon", "run"}
	if daemonLogLevel != "" {
		cmdArgs = append(cmdArgs, "--logging", daemonLogLevel)
	}
	if daemonSkipCleanup {
		cmdArgs = append(cmdArgs, "--skip-cleanup")
	}
	cfg := util.DefaultDaemonStartConfig()
	cfg.Notify = nil
	if err := util.StartDaemonIfNeeded(cmd.Context(), cfg, daemon.IsDaemonRunning, cmdArgs); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	pid, _ := daemon.GetPID()
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		if result := daemon.CleanupStale(); result.CleanedPidFile || result.CleanedSocket {
			fmt.Println(daemon.FormatCleanupResult(result))
		}
		return nil
	}
	if err := stopDaemonAndWait(); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}
	printSettings(settings, "")
	return nil
}

func printSettings(s *daemon.Settings, indent string) {
	show := func(v, unset string) string {
		if v == "" {
			return unset
		}
		return v
	}
	fmt.Printf("%sAuto-start on login: %s\n", indent, getAutoStartStatus(s.LoginStart))
	fmt.Printf("%sLog level: %s\n", indent, show(s.LogLevel, "none"))
	fmt.Printf("%sCompat library: %s\n", indent, show(s.CompatLibrary, "(built-in)"))
	fmt.Printf("%sQueue size: %d\n", indent, s.QueueSize)
	fmt.Printf("%sExpected version: %s\n", indent, show(s.ExpectedVersion, "(built-in)"))
	fmt.Printf("%sMount type: %s\n", indent, s.MountType)
	fmt.Printf("%sExclude patterns: %s\n", indent, show(strings.Join(s.ExcludePatterns, " "), "(none)"))
}

// getAutoStartStatus merges the config setting with the LaunchAgent state
func getAutoStartStatus(loginStart bool) string {
	if !loginStart {
		return "disabled"
	}
	return "enabled (" + daemon.LaunchAgentStatus() + ")"
}

func runDaemonConfig(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if cmd.Flags().NFlag() == 0 {
		fmt.Println("Current daemon configuration:")
		printSettings(settings, "  ")
		fmt.Println()
		fmt.Println("To change settings:")
		fmt.Println("  prjfs daemon config --logging <level>")
		fmt.Println("  prjfs daemon config --login-start <on|off>")
		return nil
	}

	f := cmd.Flags()
	if f.Changed("compat-library") {
		settings.CompatLibrary = configCompatLibrary
	}
	if f.Changed("queue-size") {
		settings.QueueSize = configQueueSize
	}
	if f.Changed("expected-version") {
		settings.ExpectedVersion = configExpectedVersion
	}
	if f.Changed("mount-type") {
		settings.MountType = configMountType
	}
	if configClearExcludes {
		settings.ExcludePatterns = nil
	}
	settings.ExcludePatterns = append(settings.ExcludePatterns, configExcludes...)

	if f.Changed("login-start") {
		switch configLoginStart {
		case "on":
			settings.LoginStart = true
		case "off":
			settings.LoginStart = false
		default:
			return fmt.Errorf("invalid --login-start value %q: must be 'on' or 'off'", configLoginStart)
		}
		if err := daemon.SetLoginStart(settings.LoginStart); err != nil {
			return fmt.Errorf("failed to update login start: %w", err)
		}
		if settings.LoginStart {
			fmt.Printf("Auto-start on login enabled (%s)\n", daemon.LaunchAgentPath())
		} else {
			fmt.Println("Auto-start on login disabled")
		}
	}

	logChanged := f.Changed("logging")
	if logChanged {
		level, err := daemon.NormalizeLogLevel(configLogLevel)
		if err != nil {
			return err
		}
		settings.LogLevel = level
	}

	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Settings saved to %s\n", daemon.SettingsPath())

	if logChanged && daemon.IsDaemonRunning() {
		err := withDaemon(func(c *daemon.Client) error { return c.ReloadConfig() })
		if err != nil {
			fmt.Printf("Note: Failed to notify daemon: %v\n", err)
			fmt.Println("Restart the daemon for the new log level to take effect:")
			fmt.Println("  prjfs daemon start --restart")
		} else {
			fmt.Println("Daemon notified to reload configuration")
		}
	}
	return nil
}
