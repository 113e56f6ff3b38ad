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

	"github.com/spf13/cobra"

	"prjfs/internal/daemon"
)

var offlineIOCmd = &cobra.Command{
	Use:   "offline-io",
	Short: "Manage the offline IO client",
	Long: `While an offline IO client is registered, file events are allowed through
even when no provider is connected.`,
}

var offlineIORegisterCmd = &cobra.Command{
	Use:         "register",
	Short:       "Register an offline IO client",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{needsDaemon: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := withDaemon(func(c *daemon.Client) error { return c.RegisterOfflineIO() }); err != nil {
			return err
		}
		fmt.Println("Registered for offline IO")
		return nil
	},
}

var offlineIODeregisterCmd = &cobra.Command{
	Use:         "deregister",
	Short:       "Release the offline IO client",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{needsDaemon: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := withDaemon(func(c *daemon.Client) error { return c.DeregisterOfflineIO() }); err != nil {
			return err
		}
		fmt.Println("Deregistered from offline IO")
		return nil
	},
}

func init() {
	offlineIOCmd.AddCommand(offlineIORegisterCmd, offlineIODeregisterCmd)
	rootCmd.AddCommand(offlineIOCmd)
}
