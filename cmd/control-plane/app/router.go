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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/cluster"
	"github.com/wiggzz/diogenes/pkg/control-plane/filters/auth"
	"github.com/wiggzz/diogenes/pkg/control-plane/filters/ratelimit"
	"github.com/wiggzz/diogenes/pkg/control-plane/orchestrator"
)

const gracefulShutdownTimeout = 15 * time.Second

// startRouter builds the gin engine and serves it until ctx is cancelled.
func (s *Server) startRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	engine := s.buildEngine()

	server := &http.Server{
		Addr:    ":" + s.Port,
		Handler: engine.Handler(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("listen failed: %v", err)
		}
	}()
	klog.Infof("Control plane listening on :%s", s.Port)

	<-ctx.Done()
	klog.Info("Shutting down HTTP server ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Server shutdown failed: %v", err)
	}
	klog.Info("HTTP server exited")
}

// buildEngine wires every route. Split out from startRouter so tests can
// exercise the full middleware chain without a listener.
func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/healthz", "/readyz", "/metrics"), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "control plane is ready"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := ratelimit.NewModelRateLimiter(s.RateLimitRPS, int(s.RateLimitRPS))
	apiRouter := s.NewRouter()
	clusterService := cluster.NewService(s.store, s.compute, s.TriggerScaleUp)

	authed := engine.Group("/", auth.Authenticate(s.store))

	authed.GET("/v1/models", apiRouter.ListModels())
	inference := authed.Group("/", rateLimitMiddleware(limiter))
	inference.POST("/v1/chat/completions", apiRouter.HandleInference())
	inference.POST("/v1/completions", apiRouter.HandleInference())

	authed.POST("/api/keys", s.handleCreateKey)
	authed.GET("/api/keys", s.handleListKeys)
	authed.DELETE("/api/keys/:key_id", s.handleDeleteKey)

	authed.GET("/api/cluster", s.handleClusterState(clusterService))
	authed.POST("/api/cluster/scale", s.handleClusterScale(clusterService))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return engine
}

// rateLimitMiddleware rejects inference requests over the per-model rate.
// The body is restored after peeking at the model name so the inference
// handler can still parse it.
func rateLimitMiddleware(limiter *ratelimit.ModelRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"message": err.Error(), "type": "internal_error"},
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.Model != "" {
			if err := limiter.Allow(probe.Model); err != nil {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error": gin.H{"message": err.Error(), "type": "rate_limit_exceeded"},
				})
				return
			}
		}
		c.Next()
	}
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	// An empty body is fine, the name just defaults.
	_ = c.ShouldBindJSON(&body)
	if body.Name == "" {
		body.Name = "default"
	}

	created, err := auth.CreateKey(c.Request.Context(), s.store, auth.EmailFromContext(c), body.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := auth.ListKeys(c.Request.Context(), s.store, auth.EmailFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	if err := auth.DeleteKey(c.Request.Context(), s.store, c.Param("key_id"), auth.EmailFromContext(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleClusterState(service *cluster.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := service.GetState(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

func (s *Server) handleClusterScale(service *cluster.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Model  string `json:"model"`
			Action string `json:"action"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
			return
		}
		if body.Action == "" {
			body.Action = "up"
		}

		result, err := service.ManualScale(c.Request.Context(), body.Model, body.Action)
		if err != nil {
			if errors.Is(err, orchestrator.ErrUnknownModel) ||
				errors.Is(err, cluster.ErrInvalidAction) ||
				errors.Is(err, cluster.ErrMissingModel) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
