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

// Package datastore defines the persistent state contract of the control
// plane and its backends. The store is the only synchronization primitive
// shared between control-plane processes: PutInstanceIfAbsent must be an
// atomic conditional insert at the storage layer, and listings by model must
// be index-backed, not full scans.
package datastore

import (
	"context"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// Store is the persistent state contract. Lookup misses return (nil, nil);
// only transport failures surface as errors. PutInstanceIfAbsent never fails
// on contention, it reports the outcome.
type Store interface {
	// GetInstance returns the instance with the given ID, or nil.
	GetInstance(ctx context.Context, instanceID string) (*types.Instance, error)
	// ListInstances returns instances filtered by model and/or status.
	// Empty strings disable a filter. No ordering is guaranteed.
	ListInstances(ctx context.Context, model string, status types.InstanceStatus) ([]*types.Instance, error)
	// PutInstance creates or overwrites an instance record.
	PutInstance(ctx context.Context, inst *types.Instance) error
	// PutInstanceIfAbsent atomically inserts the instance unless a record
	// with the same ID exists. This is the cold-start claim.
	PutInstanceIfAbsent(ctx context.Context, inst *types.Instance) (bool, error)
	// UpdateInstance updates named fields only. It never creates a record,
	// and it must not round-trip the whole row: a concurrent writer's
	// fields stay intact.
	UpdateInstance(ctx context.Context, instanceID string, fields map[string]any) error
	// DeleteInstance removes an instance record. Deleting a missing record
	// is not an error.
	DeleteInstance(ctx context.Context, instanceID string) error

	// GetModelConfig returns the configuration for a model, or nil.
	GetModelConfig(ctx context.Context, name string) (*types.ModelConfig, error)
	// PutModelConfig creates or overwrites a model configuration.
	PutModelConfig(ctx context.Context, config *types.ModelConfig) error
	// ListModelConfigs returns all configured models.
	ListModelConfigs(ctx context.Context) ([]*types.ModelConfig, error)

	// GetAPIKey returns the key record for a hash, or nil.
	GetAPIKey(ctx context.Context, keyHash string) (*types.APIKey, error)
	// PutAPIKey stores a key record.
	PutAPIKey(ctx context.Context, key *types.APIKey) error
	// DeleteAPIKey removes a key record by hash.
	DeleteAPIKey(ctx context.Context, keyHash string) error
	// ListAPIKeys returns all keys owned by an email.
	ListAPIKeys(ctx context.Context, email string) ([]*types.APIKey, error)
	// UpdateAPIKeyLastUsed bumps the last-used timestamp of a key.
	UpdateAPIKeyLastUsed(ctx context.Context, keyHash string, ts int64) error
}
