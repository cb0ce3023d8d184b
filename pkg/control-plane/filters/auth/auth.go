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

// Package auth provides API key hashing, validation and lifecycle, plus the
// gin middleware that gates every authenticated route. Only SHA-256 hashes
// of tokens are ever stored; a raw token exists in exactly two places, the
// client and the create-key response that minted it.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
)

// KeyPrefix marks diogenes API tokens. Tokens without it are rejected
// before any store lookup.
const KeyPrefix = "dio-"

// HashAPIKey returns the lowercase hex SHA-256 of a raw token.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKey checks a raw token against the store. On success it bumps
// the key's last-used timestamp and returns the owner email. The hash
// comparison is constant-time; both sides are fixed-length hex.
func ValidateAPIKey(ctx context.Context, store datastore.Store, token string) (bool, string, error) {
	if token == "" || len(token) < len(KeyPrefix) || token[:len(KeyPrefix)] != KeyPrefix {
		return false, "", nil
	}

	keyHash := HashAPIKey(token)
	record, err := store.GetAPIKey(ctx, keyHash)
	if err != nil {
		return false, "", err
	}
	if record == nil {
		return false, "", nil
	}
	if !hmac.Equal([]byte(record.KeyHash), []byte(keyHash)) {
		return false, "", nil
	}

	if err := store.UpdateAPIKeyLastUsed(ctx, keyHash, time.Now().Unix()); err != nil {
		return false, "", err
	}
	return true, record.Email, nil
}

// newToken mints a raw API token: the prefix plus 24 random bytes in
// url-safe base64.
func newToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
