/*
Copyright The Diogenes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dioctl",
	Short: "Diogenes CLI for administering the control plane",
	Long: `dioctl is a CLI tool for administering the Diogenes control plane.

It talks to the state store directly, so it needs the same REDIS_HOST,
REDIS_PORT, and REDIS_PASSWORD environment the control plane uses.

Examples:
  dioctl seed
  dioctl keys create --email dev@example.com --name laptop
  dioctl keys list --email dev@example.com
  dioctl keys delete <key-id> --email dev@example.com`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// openStore connects to the state store the control plane uses.
func openStore(ctx context.Context) (datastore.Store, error) {
	client, err := datastore.NewRedisClient(ctx)
	if err != nil {
		return nil, err
	}
	return datastore.NewRedisStore(client), nil
}
