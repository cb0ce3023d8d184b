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

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"k8s.io/klog/v2"
)

const (
	// DefaultHealthTimeout is the wall-clock budget for a node to become
	// healthy after launch. Model weights can take several minutes to load.
	DefaultHealthTimeout = 800 * time.Second
	// DefaultHealthInterval is the pause between probes.
	DefaultHealthInterval = 10 * time.Second
	// probeTimeout bounds a single health probe.
	probeTimeout = 5 * time.Second
)

// HealthProber reports whether a node's inference server became healthy
// within the prober's deadline.
type HealthProber interface {
	Probe(ctx context.Context, ip string, port int) bool
}

// httpProber polls GET /health until the first 200 or the deadline. It is
// built on retryablehttp with a constant wait so each attempt lands one
// interval after the previous one; connection errors and non-200 responses
// are swallowed and retried.
type httpProber struct {
	timeout  time.Duration
	interval time.Duration
}

// NewHealthProber returns the production prober. Zero durations select the
// defaults.
func NewHealthProber(timeout, interval time.Duration) HealthProber {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &httpProber{timeout: timeout, interval: interval}
}

func (p *httpProber) Probe(ctx context.Context, ip string, port int) bool {
	url := fmt.Sprintf("http://%s:%d/health", ip, port)

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: probeTimeout}
	client.RetryWaitMin = p.interval
	client.RetryWaitMax = p.interval
	client.RetryMax = int(p.timeout / p.interval)
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp.StatusCode == http.StatusOK {
			return false, nil
		}
		klog.V(4).Infof("health probe got %d from %s", resp.StatusCode, url)
		return true, nil
	}

	// The retry count bounds attempts; the context bounds wall clock.
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
