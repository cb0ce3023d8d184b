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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthedEngine(store datastore.Store) *gin.Engine {
	engine := gin.New()
	engine.GET("/whoami", Authenticate(store), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"email": EmailFromContext(c)})
	})
	return engine
}

func get(engine *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthenticate_ValidToken(t *testing.T) {
	store := datastore.NewMemoryStore()
	created, err := CreateKey(context.Background(), store, testEmail, "laptop")
	require.NoError(t, err)
	engine := newAuthedEngine(store)

	resp := get(engine, "Bearer "+created.Key)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), testEmail)
}

func TestAuthenticate_Rejections(t *testing.T) {
	store := datastore.NewMemoryStore()
	created, err := CreateKey(context.Background(), store, testEmail, "laptop")
	require.NoError(t, err)
	engine := newAuthedEngine(store)

	tests := []struct {
		name          string
		authorization string
	}{
		{"no header", ""},
		{"not bearer", "Basic " + created.Key},
		{"bare token", created.Key},
		{"unknown token", "Bearer dio-nonexistent"},
		{"empty bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(engine, tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.NotContains(t, resp.Body.String(), testEmail)
		})
	}
}
