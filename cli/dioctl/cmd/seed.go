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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

var seedFile string

// defaultModels are the configurations seeded into a fresh deployment.
var defaultModels = []types.ModelConfig{
	{
		Name:         "Qwen/Qwen2.5-Coder-32B-Instruct",
		InstanceType: "g5.12xlarge",
		VLLMArgs:     "--tensor-parallel-size 4 --max-model-len 16384",
		IdleTimeout:  300,
	},
	{
		Name:         "Qwen/Qwen2.5-0.5B-Instruct",
		InstanceType: "g5.xlarge",
		VLLMArgs:     "--max-model-len 8192",
		IdleTimeout:  300,
	},
}

// seedCmd represents the seed command
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the state store with model configurations",
	Long: `Seed writes model configurations into the state store.

Without --file the built-in defaults are written. With --file, the file must
hold a JSON array of model configurations. Existing configurations with the
same name are overwritten.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "JSON file with model configurations to seed instead of the defaults")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to state store: %w", err)
	}

	models := defaultModels
	if seedFile != "" {
		data, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", seedFile, err)
		}
		models = nil
		if err := json.Unmarshal(data, &models); err != nil {
			return fmt.Errorf("failed to parse %s: %w", seedFile, err)
		}
	}

	for i := range models {
		config := models[i]
		if err := store.PutModelConfig(ctx, &config); err != nil {
			return fmt.Errorf("failed to seed model %s: %w", config.Name, err)
		}
		fmt.Printf("Seeded %s (%s, idle timeout %ds)\n", config.Name, config.InstanceType, config.IdleTimeout)
	}
	return nil
}
