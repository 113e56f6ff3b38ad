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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"prjfs/internal/daemon"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:         "status",
	Short:       "Show provider and service status",
	Long:        `Shows the provider session, event counters and the state of the simulated service.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{needsDaemon: ""},
	RunE:        runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp *daemon.Response
	err := withDaemon(func(c *daemon.Client) error {
		var err error
		resp, err = c.Status()
		return err
	})
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Daemon PID:\t%d\n", resp.PID)
	fmt.Fprintf(w, "Log level:\t%s\n", resp.LogLevel)
	if p := resp.Provider; p != nil {
		fmt.Fprintf(w, "Session:\t%s\n", p.SessionID)
		fmt.Fprintf(w, "Connected:\t%t\n", p.Connected)
		if !p.StartedAt.IsZero() {
			fmt.Fprintf(w, "Up since:\t%s\n", p.StartedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Queue shim:\t%t\n", p.Shimmed)
		fmt.Fprintf(w, "Offline IO:\t%t\n", p.OfflineIO)
		fmt.Fprintf(w, "Wakes:\t%d\n", p.Wakes)
		fmt.Fprintf(w, "Received:\t%d (handled %d, failed %d, dropped %d, corrupt %d)\n",
			p.Received, p.Handled, p.Failed, p.Dropped, p.Corrupt)
	}
	if s := resp.Service; s != nil {
		fmt.Fprintf(w, "Service version:\t%s\n", s.Version)
		fmt.Fprintf(w, "Clients:\t%d provider, %d offline IO\n", s.Providers, s.OfflineIO)
		fmt.Fprintf(w, "Delivered:\t%d\n", s.Delivered)
		fmt.Fprintf(w, "Excluded:\t%d\n", resp.Excluded)
		fmt.Fprintf(w, "Queue size:\t%d\n", s.QueueSize)
	}
	if len(resp.Events) > 0 {
		types := make([]string, 0, len(resp.Events))
		for t := range resp.Events {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprintln(w, "Events:")
		for _, t := range types {
			fmt.Fprintf(w, "  %s\t%d\n", t, resp.Events[t])
		}
	}
	return w.Flush()
}
