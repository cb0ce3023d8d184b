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

package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiggzz/diogenes/pkg/control-plane/compute"
	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/orchestrator"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

func setupService(t *testing.T) (*Service, *datastore.MemoryStore, *compute.MockBackend, *[]string) {
	store := datastore.NewMemoryStore()
	backend := compute.NewMockBackend("10.0.0.5")
	triggered := &[]string{}
	service := NewService(store, backend, func(model string) {
		*triggered = append(*triggered, model)
	})

	require.NoError(t, store.PutModelConfig(context.Background(), &types.ModelConfig{
		Name:         "llama",
		InstanceType: "g5.12xlarge",
		IdleTimeout:  300,
	}))
	require.NoError(t, store.PutModelConfig(context.Background(), &types.ModelConfig{
		Name:         "qwen",
		InstanceType: "g5.xlarge",
	}))
	return service, store, backend, triggered
}

func modelByName(t *testing.T, state *State, name string) ModelState {
	for _, model := range state.Models {
		if model.Name == name {
			return model
		}
	}
	t.Fatalf("model %s not in state", name)
	return ModelState{}
}

func TestGetState_Aggregation(t *testing.T) {
	service, store, _, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, store.PutInstance(ctx, &types.Instance{
		InstanceID: types.SlotID("llama"),
		Model:      "llama",
		Status:     types.StatusReady,
		IP:         "10.0.0.5",
	}))
	require.NoError(t, store.PutInstance(ctx, &types.Instance{
		InstanceID: types.SlotID("qwen"),
		Model:      "qwen",
		Status:     types.StatusTerminated,
	}))

	state, err := service.GetState(ctx)
	require.NoError(t, err)
	require.Len(t, state.Models, 2)

	llama := modelByName(t, state, "llama")
	assert.Equal(t, "ready", llama.Status)
	assert.Equal(t, 1, llama.ReadyCount)
	assert.Equal(t, 1, llama.InstanceCount)
	assert.Equal(t, int64(300), llama.IdleTimeout)

	// A terminated tombstone does not make a model warm.
	qwen := modelByName(t, state, "qwen")
	assert.Equal(t, "cold", qwen.Status)
	assert.Equal(t, 0, qwen.InstanceCount)
	assert.Equal(t, int64(types.DefaultIdleTimeout), qwen.IdleTimeout)

	// Tombstones are excluded from the instance listing too.
	require.Len(t, state.Instances, 1)
	assert.Equal(t, "llama", state.Instances[0].Model)
}

func TestGetState_Warming(t *testing.T) {
	service, store, _, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, store.PutInstance(ctx, &types.Instance{
		InstanceID: types.SlotID("llama"),
		Model:      "llama",
		Status:     types.StatusStarting,
	}))

	state, err := service.GetState(ctx)
	require.NoError(t, err)
	llama := modelByName(t, state, "llama")
	assert.Equal(t, "warming", llama.Status)
	assert.Equal(t, 1, llama.StartingCount)
}

func TestManualScale_Up(t *testing.T) {
	service, _, backend, triggered := setupService(t)

	result, err := service.ManualScale(context.Background(), "llama", "up")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, []string{"llama"}, *triggered)
	assert.Empty(t, backend.Launched(), "scale-up goes through the async trigger")
}

func TestManualScale_Down(t *testing.T) {
	service, store, backend, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, store.PutInstance(ctx, &types.Instance{
		InstanceID:         types.SlotID("llama"),
		Model:              "llama",
		Status:             types.StatusReady,
		ProviderInstanceID: "i-abc123",
	}))

	result, err := service.ManualScale(ctx, "llama", "down")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, types.SlotID("llama"), result.TerminatedInstanceID)
	assert.Equal(t, []string{"i-abc123"}, backend.Terminated())

	inst, err := store.GetInstance(ctx, types.SlotID("llama"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusTerminated, inst.Status)
}

func TestManualScale_DownNothingRunning(t *testing.T) {
	service, _, backend, _ := setupService(t)

	result, err := service.ManualScale(context.Background(), "llama", "down")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Empty(t, result.TerminatedInstanceID)
	assert.Empty(t, backend.Terminated())
}

func TestManualScale_Errors(t *testing.T) {
	service, _, _, _ := setupService(t)
	ctx := context.Background()

	_, err := service.ManualScale(ctx, "", "up")
	assert.True(t, errors.Is(err, ErrMissingModel))

	_, err = service.ManualScale(ctx, "no-such-model", "up")
	assert.True(t, errors.Is(err, orchestrator.ErrUnknownModel))

	_, err = service.ManualScale(ctx, "llama", "sideways")
	assert.True(t, errors.Is(err, ErrInvalidAction))
}
