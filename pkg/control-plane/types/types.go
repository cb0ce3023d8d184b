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

// Package types defines the records persisted by the control plane: GPU
// instances, model configurations, and API keys. The string forms of the
// status enum and the field names are the store schema; they must stay
// stable across releases.
package types

import (
	"fmt"
	"strconv"
)

// InstanceStatus is the lifecycle state of a GPU instance slot.
type InstanceStatus string

const (
	StatusStarting   InstanceStatus = "starting"
	StatusReady      InstanceStatus = "ready"
	StatusDraining   InstanceStatus = "draining"
	StatusTerminated InstanceStatus = "terminated"
)

// DefaultIdleTimeout is applied when a model config carries no idle_timeout
// or an unparseable one.
const DefaultIdleTimeout int64 = 300

// Store field names for partial instance updates.
const (
	FieldStatus             = "status"
	FieldIP                 = "ip"
	FieldProviderInstanceID = "provider_instance_id"
	FieldLastRequestAt      = "last_request_at"
)

// SlotID returns the stable per-model instance key. Keying instances by
// model name is what enforces at-most-one live instance per model: the
// conditional insert on this key is the cold-start lock.
func SlotID(model string) string {
	return "model#" + model
}

// Instance is the slot record for a model. ProviderInstanceID and IP are
// empty until the compute backend has launched a node.
type Instance struct {
	InstanceID         string         `json:"instance_id"`
	Model              string         `json:"model"`
	Status             InstanceStatus `json:"status"`
	IP                 string         `json:"ip"`
	InstanceType       string         `json:"instance_type"`
	ProviderInstanceID string         `json:"provider_instance_id,omitempty"`
	LaunchedAt         int64          `json:"launched_at"`
	LastRequestAt      int64          `json:"last_request_at"`
}

// ApplyFields applies a partial field update to an instance in place.
// Both store backends route updates through this so that field semantics
// cannot drift between them.
func (i *Instance) ApplyFields(fields map[string]any) error {
	for name, value := range fields {
		switch name {
		case FieldStatus:
			s, err := toString(value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			i.Status = InstanceStatus(s)
		case FieldIP:
			s, err := toString(value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			i.IP = s
		case FieldProviderInstanceID:
			s, err := toString(value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			i.ProviderInstanceID = s
		case FieldLastRequestAt:
			ts, err := toInt64(value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			i.LastRequestAt = ts
		default:
			return fmt.Errorf("unknown instance field: %s", name)
		}
	}
	return nil
}

// ModelConfig is static per-model configuration, written by operators.
type ModelConfig struct {
	Name         string `json:"name"`
	InstanceType string `json:"instance_type"`
	VLLMArgs     string `json:"vllm_args"`
	IdleTimeout  int64  `json:"idle_timeout"`
}

// IdleTimeoutOrDefault returns the configured idle timeout in seconds,
// falling back to DefaultIdleTimeout for zero or negative values.
func (m *ModelConfig) IdleTimeoutOrDefault() int64 {
	if m == nil || m.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return m.IdleTimeout
}

// APIKey is the stored form of an API key. Only the SHA-256 hash is ever
// persisted; the raw token is returned to the caller exactly once at
// creation time.
type APIKey struct {
	KeyHash    string `json:"key_hash"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case InstanceStatus:
		return string(s), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
