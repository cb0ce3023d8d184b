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

package app

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/compute"
	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/orchestrator"
	"github.com/wiggzz/diogenes/pkg/control-plane/router"
	"github.com/wiggzz/diogenes/pkg/control-plane/utils"
)

// Server wires the control plane together: store, compute backend,
// orchestrator, router, the HTTP surface, and the scale-down loop.
type Server struct {
	Port              string
	StoreBackend      string
	ComputeBackend    string
	MockComputeIP     string
	WorkerPort        int
	ScaleDownInterval time.Duration
	RateLimitRPS      float64

	store   datastore.Store
	compute compute.Backend
	orch    *orchestrator.Orchestrator
}

// NewServer builds a Server with defaults from the environment.
func NewServer() *Server {
	return &Server{
		Port:              utils.LoadEnv("PORT", "8080"),
		StoreBackend:      utils.LoadEnv("STORE_BACKEND", "redis"),
		ComputeBackend:    utils.LoadEnv("COMPUTE_BACKEND", "ec2"),
		MockComputeIP:     utils.LoadEnv("MOCK_COMPUTE_IP", "127.0.0.1"),
		WorkerPort:        int(utils.LoadEnvInt("VLLM_PORT", orchestrator.VLLMPort)),
		ScaleDownInterval: time.Duration(utils.LoadEnvInt("SCALE_DOWN_INTERVAL_SECONDS", 60)) * time.Second,
		RateLimitRPS:      float64(utils.LoadEnvInt("RATE_LIMIT_RPS", 0)),
	}
}

// Run starts the control plane and blocks until stop is closed.
func (s *Server) Run(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	if err := s.buildBackends(ctx); err != nil {
		klog.Fatalf("Failed to build backends: %v", err)
	}

	s.orch = orchestrator.New(s.store, s.compute, orchestrator.Options{Port: s.WorkerPort})

	go s.runScaleDownLoop(ctx)

	s.startRouter(ctx)
}

// TriggerScaleUp is the production fire-and-forget wiring: the request path
// never waits on a launch.
func (s *Server) TriggerScaleUp(model string) {
	go func() {
		if _, err := s.orch.ScaleUp(context.Background(), model); err != nil {
			klog.Errorf("Async scale-up for %s failed: %v", model, err)
		}
	}()
}

func (s *Server) buildBackends(ctx context.Context) error {
	switch s.StoreBackend {
	case "memory":
		s.store = datastore.NewMemoryStore()
	default:
		client, err := datastore.NewRedisClient(ctx)
		if err != nil {
			return err
		}
		s.store = datastore.NewRedisStore(client)
	}

	switch s.ComputeBackend {
	case "mock":
		s.compute = compute.NewMockBackend(s.MockComputeIP)
	default:
		backend, err := compute.NewEC2Backend(ctx)
		if err != nil {
			return err
		}
		s.compute = backend
	}
	return nil
}

func (s *Server) runScaleDownLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ScaleDownInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := s.orch.ScaleDown(ctx)
			if err != nil {
				klog.Errorf("Scale-down pass failed: %v", err)
				continue
			}
			if len(reaped) > 0 {
				klog.Infof("Scale-down reaped %v", reaped)
			}
		}
	}
}

// NewRouter builds the request router with the server's trigger wiring.
func (s *Server) NewRouter() *router.Router {
	return router.New(s.store, s.TriggerScaleUp, router.Options{Port: s.WorkerPort})
}
