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

package compute

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// MockBackend simulates launching and terminating instances. Tests run a
// stub inference server on localhost; the IP returned by Launch points
// there so health polling and proxying reach it.
type MockBackend struct {
	mutex     sync.Mutex
	IP        string
	LaunchErr error

	launched   []string
	terminated []string
}

func NewMockBackend(ip string) *MockBackend {
	if ip == "" {
		ip = "127.0.0.1"
	}
	return &MockBackend{IP: ip}
}

var _ Backend = &MockBackend{}

func (b *MockBackend) Launch(_ context.Context, config *types.ModelConfig) (string, string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.LaunchErr != nil {
		return "", "", b.LaunchErr
	}
	providerID := "i-mock-" + uuid.NewString()[:8]
	b.launched = append(b.launched, config.Name)
	return providerID, b.IP, nil
}

func (b *MockBackend) Terminate(_ context.Context, providerID string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.terminated = append(b.terminated, providerID)
	return nil
}

// Launched returns the model names passed to Launch, in order.
func (b *MockBackend) Launched() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.launched...)
}

// Terminated returns the provider IDs passed to Terminate, in order.
func (b *MockBackend) Terminated() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.terminated...)
}
