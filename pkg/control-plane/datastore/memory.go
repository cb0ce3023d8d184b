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
	"fmt"
	"sync"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and local
// development. PutInstanceIfAbsent holds the same lock as every other
// mutation, so the claim protocol behaves exactly as it does against the
// Redis backend.
type MemoryStore struct {
	mutex     sync.Mutex
	instances map[string]*types.Instance
	models    map[string]*types.ModelConfig
	apiKeys   map[string]*types.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*types.Instance),
		models:    make(map[string]*types.ModelConfig),
		apiKeys:   make(map[string]*types.APIKey),
	}
}

var _ Store = &MemoryStore{}

// --- Instances ---

func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (*types.Instance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}
	copied := *inst
	return &copied, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, model string, status types.InstanceStatus) ([]*types.Instance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	results := make([]*types.Instance, 0)
	for _, inst := range s.instances {
		if model != "" && inst.Model != model {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		copied := *inst
		results = append(results, &copied)
	}
	return results, nil
}

func (s *MemoryStore) PutInstance(_ context.Context, inst *types.Instance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *inst
	s.instances[inst.InstanceID] = &copied
	return nil
}

func (s *MemoryStore) PutInstanceIfAbsent(_ context.Context, inst *types.Instance) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.instances[inst.InstanceID]; exists {
		return false, nil
	}
	copied := *inst
	s.instances[inst.InstanceID] = &copied
	return true, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, instanceID string, fields map[string]any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	return inst.ApplyFields(fields)
}

func (s *MemoryStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.instances, instanceID)
	return nil
}

// --- Models ---

func (s *MemoryStore) GetModelConfig(_ context.Context, name string) (*types.ModelConfig, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	config, ok := s.models[name]
	if !ok {
		return nil, nil
	}
	copied := *config
	return &copied, nil
}

func (s *MemoryStore) PutModelConfig(_ context.Context, config *types.ModelConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *config
	s.models[config.Name] = &copied
	return nil
}

func (s *MemoryStore) ListModelConfigs(_ context.Context) ([]*types.ModelConfig, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	configs := make([]*types.ModelConfig, 0, len(s.models))
	for _, config := range s.models {
		copied := *config
		configs = append(configs, &copied)
	}
	return configs, nil
}

// --- API keys ---

func (s *MemoryStore) GetAPIKey(_ context.Context, keyHash string) (*types.APIKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key, ok := s.apiKeys[keyHash]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (s *MemoryStore) PutAPIKey(_ context.Context, key *types.APIKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *key
	s.apiKeys[key.KeyHash] = &copied
	return nil
}

func (s *MemoryStore) DeleteAPIKey(_ context.Context, keyHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.apiKeys, keyHash)
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, email string) ([]*types.APIKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]*types.APIKey, 0)
	for _, key := range s.apiKeys {
		if key.Email == email {
			copied := *key
			keys = append(keys, &copied)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, keyHash string, ts int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if key, ok := s.apiKeys[keyHash]; ok {
		key.LastUsedAt = ts
	}
	return nil
}
