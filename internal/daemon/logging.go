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
	"io"
	"os"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// maxLogSize is the size above which the log file is cut in half at startup
const maxLogSize = 50 * 1024 * 1024

func init() {
	// Default logging to discard until enabled via settings or --logging
	logrus.SetOutput(io.Discard)
}

// parseLogLevel maps a normalized settings level to a logrus level.
// ok is false for "none".
func parseLogLevel(level string) (logrus.Level, bool) {
	switch level {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn":
		return logrus.WarnLevel, true
	case "", "none":
		return logrus.PanicLevel, false
	default:
		return logrus.DebugLevel, true
	}
}

// configureLogging points logrus at the daemon log file for level, or
// discards output for "none". The previously open file, if any, is
// reused or closed.
func (d *Daemon) configureLogging(level string) error {
	normalized, err := NormalizeLogLevel(level)
	if err != nil {
		return err
	}

	d.logMu.Lock()
	defer d.logMu.Unlock()
	lvl, enabled := parseLogLevel(normalized)
	if !enabled {
		logrus.SetOutput(io.Discard)
		if d.logFile != nil {
			d.logFile.Close()
			d.logFile = nil
		}
		d.LogLevel = "none"
		return nil
	}

	if d.logFile == nil {
		if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
			// Non-fatal
			fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
		}
		f, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		d.logFile = f
	}
	logrus.SetOutput(d.logFile)
	logrus.SetLevel(lvl)
	d.LogLevel = normalized
	return nil
}

func (d *Daemon) currentLogLevel() string {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return d.LogLevel
}

func (d *Daemon) closeLog() {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// truncateLogFile keeps roughly the last half of path once it grows past
// maxSize, starting at a line boundary.
func truncateLogFile(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	start := len(data) - len(data)/2
	for i := start; i < len(data); i++ {
		if data[i] == '\n' {
			start = i + 1
			break
		}
	}
	kept := data[start:]
	header := fmt.Appendf(nil, "--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept))
	return os.WriteFile(path, append(header, kept...), 0600)
}
