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
	"io"

	"github.com/spf13/cobra"

	"prjfs/internal/dataqueue"
	"prjfs/internal/service"
)

var osVersionCmd = &cobra.Command{
	Use:   "os-version [release]",
	Short: "Show whether the queue compat shim applies",
	Long: `Parses a Darwin kernel release (default: the running kernel's) and reports
whether the event queue read primitives must come from the compat library.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		release := ""
		if len(args) > 0 {
			release = args[0]
		} else {
			r, err := dataqueue.KernelRelease()
			if err != nil {
				return err
			}
			release = r
		}
		describeRelease(cmd.OutOrStdout(), release)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(osVersionCmd)
}

// describeRelease writes the shim decision for release to w
func describeRelease(w io.Writer, release string) {
	fmt.Fprintf(w, "Release: %s\n", release)
	fmt.Fprintf(w, "Interface version: %s\n", service.InterfaceVersion)
	v, err := dataqueue.ParseDarwinVersion(release)
	if err != nil {
		fmt.Fprintf(w, "Darwin version: unrecognized (%v)\n", err)
		fmt.Fprintln(w, "Queue shim: not needed")
		return
	}
	fmt.Fprintf(w, "Darwin version: %s\n", v)
	if dataqueue.NeedsQueueShim(v) {
		fmt.Fprintf(w, "Queue shim: needed (%s: %s, %s)\n",
			dataqueue.CompatLibraryName, dataqueue.DequeueSymbol, dataqueue.PeekSymbol)
	} else {
		fmt.Fprintln(w, "Queue shim: not needed")
	}
}
