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

// Package router is the request-path decision engine: it classifies a model
// as cold or warm, proxies warm requests to the ready instance, and kicks
// off an async cold-start for cold ones. Cold requests are rejected with a
// retry hint, never queued.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/metrics"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

const (
	// proxyTimeout bounds a single upstream inference call.
	proxyTimeout = 120 * time.Second
	// retryAfterSeconds is the fixed hint returned with cold-start 503s.
	retryAfterSeconds = 10
)

// TriggerScaleUp requests an async cold-start for a model. It must not
// block: the production wiring hands the model off to a goroutine running
// the orchestrator, tests substitute recorders or synchronous calls.
type TriggerScaleUp func(model string)

// ModelRequest is the parsed OpenAI-compatible request body.
type ModelRequest map[string]interface{}

type Router struct {
	store   datastore.Store
	trigger TriggerScaleUp
	client  *http.Client
	now     func() time.Time
	port    int
}

// Options tune a Router. Zero values select production defaults.
type Options struct {
	Port   int
	Now    func() time.Time
	Client *http.Client
}

func New(store datastore.Store, trigger TriggerScaleUp, opts Options) *Router {
	if opts.Port == 0 {
		opts.Port = 8000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: proxyTimeout}
	}
	return &Router{
		store:   store,
		trigger: trigger,
		client:  opts.Client,
		now:     opts.Now,
		port:    opts.Port,
	}
}

// HandleInference serves POST /v1/chat/completions and POST /v1/completions.
func (r *Router) HandleInference() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, modelRequest, err := parseModelRequest(c)
		if err != nil {
			return
		}

		modelName, _ := modelRequest["model"].(string)
		if modelName == "" {
			metrics.ProxyRequestsTotal.WithLabelValues("", "400").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("model is required", "invalid_request_error"))
			return
		}

		ready, err := r.store.ListInstances(c.Request.Context(), modelName, types.StatusReady)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(err.Error(), "internal_error"))
			return
		}
		if len(ready) == 0 {
			klog.Infof("No ready instance for model=%s, triggering scale-up", modelName)
			r.trigger(modelName)
			metrics.ProxyRequestsTotal.WithLabelValues(modelName, "503").Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				errorBody("Model is cold-starting. Retry shortly.", "service_unavailable"))
			return
		}

		target := ready[0]
		// The timestamp is written before the proxy call so that a long
		// upstream generation still defers the reaper.
		if err := r.store.UpdateInstance(c.Request.Context(), target.InstanceID, map[string]any{
			types.FieldLastRequestAt: r.now().Unix(),
		}); err != nil {
			klog.Errorf("Failed to bump last_request_at for %s: %v", target.InstanceID, err)
		}

		status, payload, err := r.proxyRequest(target.IP, c.Request.URL.Path, body)
		if err != nil {
			klog.Errorf("Proxy request failed for instance=%s: %v", target.InstanceID, err)
			metrics.ProxyRequestsTotal.WithLabelValues(modelName, "502").Inc()
			// The instance stays ready: a single transport failure is not
			// an eviction signal, the reaper ages out dead nodes.
			c.AbortWithStatusJSON(http.StatusBadGateway,
				errorBody(fmt.Sprintf("Upstream inference server unavailable: %v", err), "bad_gateway"))
			return
		}
		metrics.ProxyRequestsTotal.WithLabelValues(modelName, strconv.Itoa(status)).Inc()
		c.JSON(status, payload)
	}
}

// ListModels serves GET /v1/models from the model config table.
func (r *Router) ListModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		configs, err := r.store.ListModelConfigs(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(err.Error(), "internal_error"))
			return
		}
		data := make([]gin.H, 0, len(configs))
		for _, config := range configs {
			data = append(data, gin.H{
				"id":       config.Name,
				"object":   "model",
				"owned_by": "diogenes",
			})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

// proxyRequest forwards the verbatim JSON body to the instance and returns
// the upstream status and decoded JSON payload.
func (r *Router) proxyRequest(ip, path string, body []byte) (int, any, error) {
	url := fmt.Sprintf("http://%s:%d%s", ip, r.port, path)
	resp, err := r.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	var payload any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return 0, nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func parseModelRequest(c *gin.Context) ([]byte, ModelRequest, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(err.Error(), "internal_error"))
		return nil, nil, err
	}
	var modelRequest ModelRequest
	if err := json.Unmarshal(body, &modelRequest); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("request body must be JSON", "invalid_request_error"))
		return nil, nil, err
	}
	return body, modelRequest, nil
}

func errorBody(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}
