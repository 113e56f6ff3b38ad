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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"prjfs/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses PRJFS_CONFIG_DIR if set, otherwise ~/.prjfs. Computed on every call
// so tests can isolate themselves.
func getConfigDir() string {
	if dir := os.Getenv("PRJFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prjfs")
}

func daemonName() string {
	return "provider"
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".pid")
}

// LogPath returns the log file path.
// PRJFS_DAEMON_LOG overrides the default of config_dir/provider.log.
func LogPath() string {
	if envPath := os.Getenv("PRJFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), daemonName()+".log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".lock")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings file if there is none.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.Settings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings are the provider daemon settings
type Settings struct {
	LoginStart      bool   `yaml:"login_start"`      // Start daemon on login (default: false)
	LogLevel        string `yaml:"log_level"`        // trace, debug, info, warn, none (default: none)
	CompatLibrary   string `yaml:"compat_library"`   // Queue compat library; empty uses the built-in name
	QueueSize       int    `yaml:"queue_size"`       // Event queue size in bytes
	ExpectedVersion string `yaml:"expected_version"` // Interface version override; empty uses the built-in one
	MountType       string `yaml:"mount_type"`       // File system type name of the simulated mount

	// ExcludePatterns are gitignore-style patterns, relative to the mount
	// root, for paths whose events are dropped by the filter
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "none": true, "": true,
}

// NormalizeLogLevel lowercases level and maps "off" to "none". It fails on
// unknown levels.
func NormalizeLogLevel(level string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "off" {
		l = "none"
	}
	if !validLogLevels[l] {
		return "", fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, none", level)
	}
	return l, nil
}

// Validate checks field values.
func (s *Settings) Validate() error {
	if _, err := NormalizeLogLevel(s.LogLevel); err != nil {
		return err
	}
	if s.QueueSize < 0 {
		return fmt.Errorf("invalid queue_size %d", s.QueueSize)
	}
	return nil
}

// applyDefaults fills zero-value fields from the embedded defaults.
func (s *Settings) applyDefaults() {
	def := loadDefaultSettings()
	if s.QueueSize == 0 {
		s.QueueSize = def.QueueSize
	}
	if s.MountType == "" {
		s.MountType = def.MountType
	}
}

// loadDefaultSettings parses default settings from the embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.Settings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings reads the settings file. Falls back to the embedded
// defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SettingsPath(), err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings.applyDefaults()
	return &settings, nil
}

// SaveSettings writes settings to the settings file
func SaveSettings(settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# prjfs provider settings\n# See: prjfs daemon config --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
