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

// Package cluster exposes the operator surface: aggregated per-model state
// and manual scale requests.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/wiggzz/diogenes/pkg/control-plane/compute"
	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/orchestrator"
	"github.com/wiggzz/diogenes/pkg/control-plane/router"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// ErrInvalidAction is returned for scale actions other than up or down.
var ErrInvalidAction = fmt.Errorf("unsupported scale action")

// ErrMissingModel is returned when a scale request names no model.
var ErrMissingModel = fmt.Errorf("model is required")

// ModelState is the aggregated view of one configured model.
type ModelState struct {
	Name          string `json:"name"`
	InstanceType  string `json:"instance_type"`
	IdleTimeout   int64  `json:"idle_timeout"`
	Status        string `json:"status"`
	ReadyCount    int    `json:"ready_count"`
	StartingCount int    `json:"starting_count"`
	InstanceCount int    `json:"instance_count"`
}

// State is the full cluster-state response.
type State struct {
	Models    []ModelState      `json:"models"`
	Instances []*types.Instance `json:"instances"`
}

// ScaleResult reports the outcome of a manual scale request.
type ScaleResult struct {
	OK                   bool   `json:"ok"`
	Model                string `json:"model"`
	Action               string `json:"action"`
	Message              string `json:"message,omitempty"`
	TerminatedInstanceID string `json:"terminated_instance_id,omitempty"`
}

type Service struct {
	store   datastore.Store
	compute compute.Backend
	trigger router.TriggerScaleUp
}

func NewService(store datastore.Store, backend compute.Backend, trigger router.TriggerScaleUp) *Service {
	return &Service{store: store, compute: backend, trigger: trigger}
}

// GetState aggregates per-model status. A model is ready when at least one
// ready instance exists, warming when anything is starting or draining, and
// cold otherwise. Terminated tombstones are excluded everywhere.
func (s *Service) GetState(ctx context.Context) (*State, error) {
	configs, err := s.store.ListModelConfigs(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := s.store.ListInstances(ctx, "", "")
	if err != nil {
		return nil, err
	}

	models := make([]ModelState, 0, len(configs))
	for _, config := range configs {
		var readyCount, startingCount, instanceCount int
		for _, inst := range instances {
			if inst.Model != config.Name || inst.Status == types.StatusTerminated {
				continue
			}
			instanceCount++
			switch inst.Status {
			case types.StatusReady:
				readyCount++
			case types.StatusStarting, types.StatusDraining:
				startingCount++
			}
		}

		status := "cold"
		if readyCount > 0 {
			status = "ready"
		} else if startingCount > 0 {
			status = "warming"
		}

		models = append(models, ModelState{
			Name:          config.Name,
			InstanceType:  config.InstanceType,
			IdleTimeout:   config.IdleTimeoutOrDefault(),
			Status:        status,
			ReadyCount:    readyCount,
			StartingCount: startingCount,
			InstanceCount: instanceCount,
		})
	}

	active := make([]*types.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != types.StatusTerminated {
			active = append(active, inst)
		}
	}
	return &State{Models: models, Instances: active}, nil
}

// ManualScale requests a scale action for a model. Scale-up goes through
// the async trigger; scale-down terminates the first ready (else starting)
// instance through the compute backend and tombstones the slot.
func (s *Service) ManualScale(ctx context.Context, model, action string) (*ScaleResult, error) {
	if model == "" {
		return nil, ErrMissingModel
	}
	config, err := s.store.GetModelConfig(ctx, model)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownModel, model)
	}

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "up":
		s.trigger(model)
		return &ScaleResult{OK: true, Model: model, Action: "up", Message: "scale-up requested"}, nil

	case "down":
		candidates, err := s.store.ListInstances(ctx, model, types.StatusReady)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			candidates, err = s.store.ListInstances(ctx, model, types.StatusStarting)
			if err != nil {
				return nil, err
			}
		}
		if len(candidates) == 0 {
			return &ScaleResult{OK: true, Model: model, Action: "down", Message: "no running instances"}, nil
		}

		target := candidates[0]
		providerID := target.ProviderInstanceID
		if providerID == "" {
			providerID = target.InstanceID
		}
		if err := s.compute.Terminate(ctx, providerID); err != nil {
			return nil, err
		}
		if err := s.store.UpdateInstance(ctx, target.InstanceID, map[string]any{
			types.FieldStatus: types.StatusTerminated,
		}); err != nil {
			return nil, err
		}
		return &ScaleResult{OK: true, Model: model, Action: "down", TerminatedInstanceID: target.InstanceID}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}
}
