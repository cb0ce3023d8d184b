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

// Package ratelimit bounds the per-model inference request rate. Its main
// job is protecting the cold-start trigger path: a cold model returns 503
// fast, and without a limiter an aggressive retry loop turns every miss
// into store traffic.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitExceededError is returned when a model is over its request rate.
type RateLimitExceededError struct{}

func (e *RateLimitExceededError) Error() string {
	return "rate limit exceeded"
}

// ModelRateLimiter keeps one token bucket per model. A zero requests-per-
// second configuration disables limiting entirely.
type ModelRateLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewModelRateLimiter builds a limiter allowing rps requests per second per
// model with the given burst. rps <= 0 disables limiting.
func NewModelRateLimiter(rps float64, burst int) *ModelRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ModelRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether a request for the model may proceed.
func (r *ModelRateLimiter) Allow(model string) error {
	if r.rps <= 0 {
		return nil
	}

	r.mutex.Lock()
	limiter, ok := r.limiters[model]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[model] = limiter
	}
	r.mutex.Unlock()

	if !limiter.Allow() {
		return &RateLimitExceededError{}
	}
	return nil
}
