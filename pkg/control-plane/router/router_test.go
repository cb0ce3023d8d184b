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

package router

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

const testModel = "Qwen/Qwen2.5-0.5B-Instruct"

func init() {
	gin.SetMode(gin.TestMode)
}

// triggerRecorder captures async scale-up requests.
type triggerRecorder struct {
	models []string
}

func (r *triggerRecorder) trigger(model string) {
	r.models = append(r.models, model)
}

func newTestEngine(store datastore.Store, trigger TriggerScaleUp, opts Options) *gin.Engine {
	r := New(store, trigger, opts)
	engine := gin.New()
	engine.POST("/v1/chat/completions", r.HandleInference())
	engine.POST("/v1/completions", r.HandleInference())
	engine.GET("/v1/models", r.ListModels())
	return engine
}

func postJSON(engine *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func TestHandleInference_MissingModel(t *testing.T) {
	recorder := &triggerRecorder{}
	engine := newTestEngine(datastore.NewMemoryStore(), recorder.trigger, Options{})

	resp := postJSON(engine, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "model is required")
	assert.Empty(t, recorder.models, "a malformed request must not trigger a scale-up")
}

func TestHandleInference_NonJSONBody(t *testing.T) {
	recorder := &triggerRecorder{}
	engine := newTestEngine(datastore.NewMemoryStore(), recorder.trigger, Options{})

	resp := postJSON(engine, "/v1/chat/completions", "not json")

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, recorder.models)
}

func TestHandleInference_ColdModel(t *testing.T) {
	recorder := &triggerRecorder{}
	engine := newTestEngine(datastore.NewMemoryStore(), recorder.trigger, Options{})

	resp := postJSON(engine, "/v1/chat/completions", `{"model":"`+testModel+`"}`)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "10", resp.Header().Get("Retry-After"))
	assert.Contains(t, resp.Body.String(), "cold-starting")
	assert.Equal(t, []string{testModel}, recorder.models)
}

func TestHandleInference_WarmModelProxies(t *testing.T) {
	store := datastore.NewMemoryStore()
	now := time.Unix(1700000500, 0)

	var lastRequestAtSeenByUpstream int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		// The idle timestamp must already be bumped when the proxy call
		// lands, so a slow generation does not get reaped under us.
		inst, err := store.GetInstance(r.Context(), types.SlotID(testModel))
		require.NoError(t, err)
		lastRequestAtSeenByUpstream = inst.LastRequestAt

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion"}`))
	}))
	defer upstream.Close()

	host, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, store.PutInstance(context.Background(), &types.Instance{
		InstanceID:    types.SlotID(testModel),
		Model:         testModel,
		Status:        types.StatusReady,
		IP:            host,
		LaunchedAt:    1700000000,
		LastRequestAt: 1700000000,
	}))

	recorder := &triggerRecorder{}
	engine := newTestEngine(store, recorder.trigger, Options{
		Port: port,
		Now:  func() time.Time { return now },
	})

	resp := postJSON(engine, "/v1/chat/completions", `{"model":"`+testModel+`","messages":[]}`)

	assert.Equal(t, http.StatusOK, resp.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "chatcmpl-1", payload["id"])
	assert.Empty(t, recorder.models, "a warm request must not trigger a scale-up")
	assert.Equal(t, now.Unix(), lastRequestAtSeenByUpstream)
}

func TestHandleInference_RelaysUpstreamErrors(t *testing.T) {
	store := datastore.NewMemoryStore()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	host, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, store.PutInstance(context.Background(), &types.Instance{
		InstanceID: types.SlotID(testModel),
		Model:      testModel,
		Status:     types.StatusReady,
		IP:         host,
	}))

	engine := newTestEngine(store, func(string) {}, Options{Port: port})
	resp := postJSON(engine, "/v1/completions", `{"model":"`+testModel+`"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Contains(t, resp.Body.String(), "context length exceeded")
}

func TestHandleInference_UpstreamDown(t *testing.T) {
	store := datastore.NewMemoryStore()

	// Grab a port, then close it so connections are refused.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	upstream.Close()

	require.NoError(t, store.PutInstance(context.Background(), &types.Instance{
		InstanceID: types.SlotID(testModel),
		Model:      testModel,
		Status:     types.StatusReady,
		IP:         host,
	}))

	engine := newTestEngine(store, func(string) {}, Options{Port: port})
	resp := postJSON(engine, "/v1/chat/completions", `{"model":"`+testModel+`"}`)

	assert.Equal(t, http.StatusBadGateway, resp.Code)

	// A transport failure is not an eviction signal.
	inst, err := store.GetInstance(context.Background(), types.SlotID(testModel))
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, inst.Status)
}

func TestListModels(t *testing.T) {
	store := datastore.NewMemoryStore()
	require.NoError(t, store.PutModelConfig(context.Background(), &types.ModelConfig{
		Name:         testModel,
		InstanceType: "g5.xlarge",
	}))

	engine := newTestEngine(store, func(string) {}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	var payload struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, "list", payload.Object)
	require.Len(t, payload.Data, 1)
	assert.Equal(t, testModel, payload.Data[0].ID)
	assert.Equal(t, "model", payload.Data[0].Object)
	assert.Equal(t, "diogenes", payload.Data[0].OwnedBy)
}
