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
	"bytes"
	"fmt"
	"text/template"
)

const launchAgentLabel = "org.prjfs.provider"

// The agent runs the daemon in the foreground and relaunches it only
// after a crash; "prjfs daemon stop" exits cleanly and keeps it down.
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>daemon</string>
        <string>run</string>
    </array>
    <key>EnvironmentVariables</key>
    <dict>
        <key>PRJFS_CONFIG_DIR</key>
        <string>{{.ConfigDir}}</string>
    </dict>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>
</dict>
</plist>
`

var launchAgentTmpl = template.Must(template.New("launchagent").Parse(launchAgentTemplate))

type launchAgentConfig struct {
	Label      string
	Executable string
	ConfigDir  string
	LogPath    string
}

// renderLaunchAgent produces the plist for executable using the current
// config directory and log path.
func renderLaunchAgent(executable string) ([]byte, error) {
	cfg := launchAgentConfig{
		Label:      launchAgentLabel,
		Executable: executable,
		ConfigDir:  ConfigDir(),
		LogPath:    LogPath(),
	}
	var buf bytes.Buffer
	if err := launchAgentTmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to render launch agent: %w", err)
	}
	return buf.Bytes(), nil
}
