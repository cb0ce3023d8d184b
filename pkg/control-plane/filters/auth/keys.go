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
	"sort"
	"time"

	"github.com/wiggzz/diogenes/pkg/control-plane/datastore"
	"github.com/wiggzz/diogenes/pkg/control-plane/types"
)

// CreatedKey is the one-time create-key response. Key is the raw token; it
// is not recoverable from the store afterwards.
type CreatedKey struct {
	Key        string `json:"key"`
	KeyID      string `json:"key_id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
}

// KeyMetadata is the listing form of a key: everything except the token.
type KeyMetadata struct {
	KeyID      string `json:"key_id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
}

// CreateKey mints a token for an email and stores its hash.
func CreateKey(ctx context.Context, store datastore.Store, email, name string) (*CreatedKey, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	record := &types.APIKey{
		KeyHash:    HashAPIKey(token),
		Email:      email,
		Name:       name,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := store.PutAPIKey(ctx, record); err != nil {
		return nil, err
	}
	return &CreatedKey{
		Key:        token,
		KeyID:      record.KeyHash,
		Name:       name,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// ListKeys returns key metadata for an email, newest first.
func ListKeys(ctx context.Context, store datastore.Store, email string) ([]KeyMetadata, error) {
	records, err := store.ListAPIKeys(ctx, email)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	keys := make([]KeyMetadata, 0, len(records))
	for _, record := range records {
		keys = append(keys, KeyMetadata{
			KeyID:      record.KeyHash,
			Name:       record.Name,
			CreatedAt:  record.CreatedAt,
			LastUsedAt: record.LastUsedAt,
		})
	}
	return keys, nil
}

// DeleteKey removes a key if it exists and belongs to the requesting email.
// Anything else is a silent no-op: deletion leaks no information about
// other owners' keys.
func DeleteKey(ctx context.Context, store datastore.Store, keyHash, email string) error {
	record, err := store.GetAPIKey(ctx, keyHash)
	if err != nil {
		return err
	}
	if record == nil || record.Email != email {
		return nil
	}
	return store.DeleteAPIKey(ctx, keyHash)
}
