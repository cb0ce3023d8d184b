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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiggzz/diogenes/pkg/control-plane/filters/auth"
)

var (
	keyEmail string
	keyName  string
)

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Create, list, and delete API keys without going through the HTTP API.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for an owner email",
	Long: `Create mints a new API key and prints the raw token.

The token is shown exactly once; only its hash is stored.`,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys for an owner email",
	RunE:  runKeysList,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Delete an API key by its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDelete,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysDeleteCmd)

	keysCmd.PersistentFlags().StringVar(&keyEmail, "email", "", "Owner email (required)")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "default", "Human-readable key name")

	if err := keysCmd.MarkPersistentFlagRequired("email"); err != nil {
		panic(err)
	}
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to state store: %w", err)
	}

	created, err := auth.CreateKey(ctx, store, keyEmail, keyName)
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}
	fmt.Printf("Created key %s for %s\n", created.KeyID, keyEmail)
	fmt.Printf("Token (shown once): %s\n", created.Key)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to state store: %w", err)
	}

	keys, err := auth.ListKeys(ctx, store, keyEmail)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Printf("No keys for %s\n", keyEmail)
		return nil
	}
	for _, key := range keys {
		fmt.Printf("%s  %-16s  created %s  last used %s\n",
			key.KeyID,
			key.Name,
			time.Unix(key.CreatedAt, 0).UTC().Format(time.RFC3339),
			time.Unix(key.LastUsedAt, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to state store: %w", err)
	}

	if err := auth.DeleteKey(ctx, store, args[0], keyEmail); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}
