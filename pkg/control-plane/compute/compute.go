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

// Package compute abstracts the provider that launches and terminates GPU
// nodes. The orchestrator only ever needs these two operations; everything
// else about the node (image, bootstrap, networking) is backend detail.
package compute

import (
	"context"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// Backend launches and terminates GPU instances.
type Backend interface {
	// Launch provisions a node for the model and returns the provider's
	// instance ID and an IP reachable from the control plane.
	Launch(ctx context.Context, config *types.ModelConfig) (providerID, ip string, err error)
	// Terminate tears down a node by provider instance ID.
	Terminate(ctx context.Context, providerID string) error
}
