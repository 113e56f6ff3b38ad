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

//go:build darwin

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// LaunchAgentPath returns the path to the LaunchAgent plist file
func LaunchAgentPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func launchctlDomain() string {
	return fmt.Sprintf("gui/%d", os.Getuid())
}

func launchctl(args ...string) error {
	output, err := exec.Command("launchctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("launchctl %s failed: %w: %s", args[0], err, string(output))
	}
	return nil
}

// SetLoginStart installs and bootstraps the LaunchAgent, or boots it out
// and removes the plist.
func SetLoginStart(enabled bool) error {
	if !enabled {
		if IsLaunchAgentLoaded() {
			_ = launchctl("bootout", launchctlDomain()+"/"+launchAgentLabel)
		}
		if err := os.Remove(LaunchAgentPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove plist: %w", err)
		}
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	data, err := renderLaunchAgent(exe)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(LaunchAgentPath()), 0755); err != nil {
		return fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(LaunchAgentPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}
	if IsLaunchAgentLoaded() {
		return nil
	}
	return launchctl("bootstrap", launchctlDomain(), LaunchAgentPath())
}

// IsLaunchAgentLoaded checks if the LaunchAgent is currently loaded
func IsLaunchAgentLoaded() bool {
	return exec.Command("launchctl", "print", launchctlDomain()+"/"+launchAgentLabel).Run() == nil
}

// LaunchAgentStatus returns a human-readable status of the LaunchAgent
func LaunchAgentStatus() string {
	if _, err := os.Stat(LaunchAgentPath()); err != nil {
		return "not installed"
	}
	if IsLaunchAgentLoaded() {
		return "installed and loaded"
	}
	return "installed but not loaded"
}
