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

package datastore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

func TestMemoryStore_PutInstanceIfAbsent_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.PutInstanceIfAbsent(ctx, newTestInstance("llama"))
			assert.NoError(t, err)
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for claimed := range wins {
		if claimed {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent claim must win")
}

func TestMemoryStore_UpdateInstance_Missing(t *testing.T) {
	store := NewMemoryStore()
	err := store.UpdateInstance(context.Background(), "model#ghost", map[string]any{
		types.FieldStatus: types.StatusReady,
	})
	assert.Error(t, err)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inst := newTestInstance("llama")
	require.NoError(t, store.PutInstance(ctx, inst))

	got, err := store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	got.Status = types.StatusTerminated

	again, err := store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, again.Status, "mutating a returned record must not touch the store")
}

func TestMemoryStore_ListInstances_Filters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ready := newTestInstance("llama")
	ready.Status = types.StatusReady
	require.NoError(t, store.PutInstance(ctx, ready))
	require.NoError(t, store.PutInstance(ctx, newTestInstance("qwen")))

	all, err := store.ListInstances(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	llamaReady, err := store.ListInstances(ctx, "llama", types.StatusReady)
	require.NoError(t, err)
	assert.Len(t, llamaReady, 1)

	llamaStarting, err := store.ListInstances(ctx, "llama", types.StatusStarting)
	require.NoError(t, err)
	assert.Empty(t, llamaStarting)
}
