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

// Package metrics defines the prometheus collectors exported by the control
// plane at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScaleUpTotal counts cold-start attempts by model and outcome
	// (ready, terminated, launch_error, lost_race, exists).
	ScaleUpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diogenes_scale_up_total",
		Help: "Cold-start attempts by model and outcome.",
	}, []string{"model", "outcome"})

	// ScaleDownTotal counts idle instances reaped by model.
	ScaleDownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diogenes_scale_down_total",
		Help: "Idle instances reaped by model.",
	}, []string{"model"})

	// ColdStartSeconds observes the wall-clock duration of successful
	// cold-starts, from claim to ready.
	ColdStartSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diogenes_cold_start_seconds",
		Help:    "Duration of successful cold-starts from claim to ready.",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8),
	}, []string{"model"})

	// ProxyRequestsTotal counts proxied inference requests by model and
	// response class (2xx upstream codes, plus the control plane's own
	// 400/502/503 short-circuits).
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diogenes_proxy_requests_total",
		Help: "Inference requests by model and response code.",
	}, []string{"model", "code"})
)
