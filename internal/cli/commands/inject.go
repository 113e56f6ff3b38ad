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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"prjfs/internal/daemon"
	"prjfs/internal/message"
)

var (
	injectTarget string
	injectType   string
	injectPid    int32
	injectProc   string
)

var injectCmd = &cobra.Command{
	Use:   "inject <event> <path>",
	Short: "Run a filter hook on a vnode of the simulated mount",
	Long: `Runs the filter hook for <event> against the vnode at <path>, creating the
vnode on first use. The resulting message goes through the event queue to the
provider.

Events: enumerate-directory, hydrate-file, file-created, file-modified,
file-renamed (needs --target), pre-delete (the vnode is recycled afterwards).

Examples:
  prjfs inject enumerate-directory /src
  prjfs inject hydrate-file /src/main.go --pid 4242 --proc cat
  prjfs inject file-renamed /src/a.go --target /src/b.go`,
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{needsDaemon: ""},
	RunE:        runInject,
}

var vnodesCmd = &cobra.Command{
	Use:         "vnodes",
	Short:       "List live vnodes of the simulated mount",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{needsDaemon: ""},
	RunE:        runVnodes,
}

func init() {
	injectCmd.Flags().StringVar(&injectTarget, "target", "", "Rename target path")
	injectCmd.Flags().StringVar(&injectType, "type", "", "Vnode type when created: reg, dir, symlink")
	injectCmd.Flags().Int32Var(&injectPid, "pid", 0, "Caller pid (default: the daemon's)")
	injectCmd.Flags().StringVar(&injectProc, "proc", "prjfs", "Caller process name")
	rootCmd.AddCommand(injectCmd, vnodesCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	if _, err := message.ParseType(args[0]); err != nil {
		return err
	}
	req := &daemon.Request{
		Event:     args[0],
		Path:      args[1],
		Target:    injectTarget,
		VnodeType: injectType,
		Pid:       injectPid,
		ProcName:  injectProc,
	}
	return withDaemon(func(c *daemon.Client) error {
		resp, err := c.Inject(req)
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	})
}

func runVnodes(cmd *cobra.Command, args []string) error {
	var vnodes []daemon.VnodeInfo
	err := withDaemon(func(c *daemon.Client) error {
		var err error
		vnodes, err = c.Vnodes()
		return err
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTYPE\tINODE\tVID\tIOCOUNT\tLAST EVENT")
	for _, v := range vnodes {
		path := v.Path
		if v.Recycling {
			path += " (recycling)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", path, v.Type, v.Inode, v.Vid, v.IOCount, v.LastEvent)
	}
	return w.Flush()
}
