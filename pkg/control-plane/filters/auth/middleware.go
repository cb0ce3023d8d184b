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

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
)

const (
	header       = "Authorization"
	bearerPrefix = "Bearer "

	// EmailKey is the gin context key carrying the authenticated owner
	// email for downstream handlers.
	EmailKey = "diogenes.email"
)

func extractTokenFromHeader(req *http.Request) string {
	value := req.Header.Get(header)
	if !strings.HasPrefix(value, bearerPrefix) {
		return ""
	}
	return strings.TrimPrefix(value, bearerPrefix)
}

// Authenticate returns the gin middleware gating authenticated routes. A
// request without a valid bearer token is aborted with 401.
func Authenticate(store datastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractTokenFromHeader(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header missing or invalid"})
			return
		}

		authorized, email, err := ValidateAPIKey(c.Request.Context(), store, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication backend unavailable"})
			return
		}
		if !authorized {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set(EmailKey, email)
		c.Next()
	}
}

// EmailFromContext returns the authenticated email set by Authenticate.
func EmailFromContext(c *gin.Context) string {
	email, _ := c.Get(EmailKey)
	if s, ok := email.(string); ok {
		return s
	}
	return ""
}
