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

// Package orchestrator owns the GPU instance lifecycle: cold-starts on
// demand, health-gated readiness, and idle reaping. Concurrent scale-ups of
// the same model are serialized through the store's conditional insert on
// the per-model slot; no other lock exists.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/compute"
	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/metrics"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// VLLMPort is the port the inference server listens on.
const VLLMPort = 8000

// ErrUnknownModel is returned when a scale-up names a model with no config.
var ErrUnknownModel = errors.New("unknown model")

// Options tune an Orchestrator. Zero values select production defaults.
type Options struct {
	// Port overrides the inference server port.
	Port int
	// HealthTimeout and HealthInterval tune the readiness gate.
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	// Prober replaces the HTTP health prober.
	Prober HealthProber
	// Now replaces the clock.
	Now func() time.Time
}

type Orchestrator struct {
	store   datastore.Store
	compute compute.Backend
	prober  HealthProber
	now     func() time.Time

	port          int
	healthTimeout time.Duration
}

func New(store datastore.Store, backend compute.Backend, opts Options) *Orchestrator {
	if opts.Port == 0 {
		opts.Port = VLLMPort
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.Prober == nil {
		opts.Prober = NewHealthProber(opts.HealthTimeout, opts.HealthInterval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:         store,
		compute:       backend,
		prober:        opts.Prober,
		now:           opts.Now,
		port:          opts.Port,
		healthTimeout: opts.HealthTimeout,
	}
}

// ScaleUp launches a GPU instance for the model. It is idempotent: when an
// instance is already starting or ready it returns that record without side
// effects, and when two scale-ups race exactly one launches. The returned
// record carries whatever status the attempt ended in.
func (o *Orchestrator) ScaleUp(ctx context.Context, modelName string) (*types.Instance, error) {
	existing, err := o.liveInstance(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		klog.Infof("Instance already exists for %s: %s", modelName, existing.InstanceID)
		metrics.ScaleUpTotal.WithLabelValues(modelName, "exists").Inc()
		return existing, nil
	}

	// A terminated tombstone on the slot would block the claim below.
	// Delete before claiming, never the other way around: a row a peer has
	// just claimed is no longer terminated and survives this sweep.
	stale, err := o.store.ListInstances(ctx, modelName, types.StatusTerminated)
	if err != nil {
		return nil, err
	}
	for _, inst := range stale {
		if err := o.store.DeleteInstance(ctx, inst.InstanceID); err != nil {
			return nil, err
		}
	}

	config, err := o.store.GetModelConfig(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}

	now := o.now().Unix()
	placeholder := &types.Instance{
		InstanceID:    types.SlotID(modelName),
		Model:         modelName,
		Status:        types.StatusStarting,
		IP:            "",
		InstanceType:  config.InstanceType,
		LaunchedAt:    now,
		LastRequestAt: now,
	}

	claimed, err := o.store.PutInstanceIfAbsent(ctx, placeholder)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// A peer won the claim. Return whatever it produced; no side
		// effects on this path.
		metrics.ScaleUpTotal.WithLabelValues(modelName, "lost_race").Inc()
		existing, err := o.liveInstance(ctx, modelName)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return placeholder, nil
	}

	klog.Infof("Launching instance for model %s", modelName)
	providerID, ip, err := o.compute.Launch(ctx, config)
	if err != nil {
		klog.Errorf("Failed to launch instance for model %s, cleaning up placeholder: %v", modelName, err)
		metrics.ScaleUpTotal.WithLabelValues(modelName, "launch_error").Inc()
		if updateErr := o.store.UpdateInstance(ctx, placeholder.InstanceID, map[string]any{
			types.FieldStatus: types.StatusTerminated,
		}); updateErr != nil {
			klog.Errorf("Failed to mark %s terminated: %v", placeholder.InstanceID, updateErr)
		}
		return nil, fmt.Errorf("launching instance for model %s: %w", modelName, err)
	}

	if err := o.store.UpdateInstance(ctx, placeholder.InstanceID, map[string]any{
		types.FieldProviderInstanceID: providerID,
		types.FieldIP:                 ip,
	}); err != nil {
		return nil, err
	}
	placeholder.ProviderInstanceID = providerID
	placeholder.IP = ip

	healthy := o.prober.Probe(ctx, ip, o.port)

	if healthy {
		readyAt := o.now().Unix()
		if err := o.store.UpdateInstance(ctx, placeholder.InstanceID, map[string]any{
			types.FieldStatus:        types.StatusReady,
			types.FieldLastRequestAt: readyAt,
		}); err != nil {
			return nil, err
		}
		placeholder.Status = types.StatusReady
		placeholder.LastRequestAt = readyAt
		metrics.ScaleUpTotal.WithLabelValues(modelName, "ready").Inc()
		metrics.ColdStartSeconds.WithLabelValues(modelName).Observe(float64(readyAt - now))
		klog.Infof("Instance %s is ready", providerID)
	} else {
		klog.Errorf("Instance %s failed health check, terminating", providerID)
		if err := o.compute.Terminate(ctx, providerID); err != nil {
			klog.Errorf("Failed to terminate unhealthy instance %s: %v", providerID, err)
		}
		if err := o.store.UpdateInstance(ctx, placeholder.InstanceID, map[string]any{
			types.FieldStatus: types.StatusTerminated,
		}); err != nil {
			return nil, err
		}
		placeholder.Status = types.StatusTerminated
		metrics.ScaleUpTotal.WithLabelValues(modelName, "terminated").Inc()
	}

	return placeholder, nil
}

// ScaleDown terminates ready instances whose idle time exceeds their
// model's idle timeout. It returns the reaped slot IDs. Draining is
// published before the compute call so concurrent routers stop seeing the
// node as ready while it goes away.
func (o *Orchestrator) ScaleDown(ctx context.Context) ([]string, error) {
	terminated := []string{}
	now := o.now().Unix()

	ready, err := o.store.ListInstances(ctx, "", types.StatusReady)
	if err != nil {
		return nil, err
	}
	for _, inst := range ready {
		config, err := o.store.GetModelConfig(ctx, inst.Model)
		if err != nil {
			return terminated, err
		}
		idleTimeout := config.IdleTimeoutOrDefault()

		lastRequest := inst.LastRequestAt
		if lastRequest == 0 {
			lastRequest = inst.LaunchedAt
		}
		idle := now - lastRequest
		if idle <= idleTimeout {
			continue
		}

		klog.Infof("Terminating idle instance %s (model=%s, idle=%ds)", inst.InstanceID, inst.Model, idle)
		if err := o.store.UpdateInstance(ctx, inst.InstanceID, map[string]any{
			types.FieldStatus: types.StatusDraining,
		}); err != nil {
			return terminated, err
		}
		providerID := inst.ProviderInstanceID
		if providerID == "" {
			providerID = inst.InstanceID
		}
		if err := o.compute.Terminate(ctx, providerID); err != nil {
			return terminated, err
		}
		if err := o.store.UpdateInstance(ctx, inst.InstanceID, map[string]any{
			types.FieldStatus: types.StatusTerminated,
		}); err != nil {
			return terminated, err
		}
		metrics.ScaleDownTotal.WithLabelValues(inst.Model).Inc()
		terminated = append(terminated, inst.InstanceID)
	}

	return terminated, nil
}

// liveInstance returns the model's starting or ready instance, if any. A
// starting row whose claim is older than twice the health budget belongs to
// a process that died mid-launch; it is demoted to terminated here so the
// tombstone sweep can clear it instead of blocking the model forever.
func (o *Orchestrator) liveInstance(ctx context.Context, modelName string) (*types.Instance, error) {
	starting, err := o.store.ListInstances(ctx, modelName, types.StatusStarting)
	if err != nil {
		return nil, err
	}
	ready, err := o.store.ListInstances(ctx, modelName, types.StatusReady)
	if err != nil {
		return nil, err
	}

	staleAfter := 2 * int64(o.healthTimeout/time.Second)
	for _, inst := range append(starting, ready...) {
		if inst.Status == types.StatusStarting && o.now().Unix()-inst.LaunchedAt > staleAfter {
			klog.Warningf("Instance %s stuck in starting for over %ds, marking terminated", inst.InstanceID, staleAfter)
			if err := o.store.UpdateInstance(ctx, inst.InstanceID, map[string]any{
				types.FieldStatus: types.StatusTerminated,
			}); err != nil {
				return nil, err
			}
			continue
		}
		return inst, nil
	}
	return nil, nil
}
