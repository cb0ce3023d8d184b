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

package datastore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
	"github.com/wiggzz/diogenes/pkg/control-plane/utils"
)

// Key layout:
//
//	instance:{id}            hash with the instance fields
//	instances                set of all instance IDs
//	instances:model:{model}  set of instance IDs per model (the model index)
//	model:{name}             hash with the model config fields
//	models                   set of all model names
//	apikey:{hash}            hash with the key fields
//	apikeys:email:{email}    set of key hashes per email (the email index)
//
// Status filters are applied client-side over the relevant index set; status
// flips too often to keep per-status sets consistent with partial updates.
const (
	instanceKeyPrefix   = "instance:"
	instancesSetKey     = "instances"
	instanceModelPrefix = "instances:model:"
	modelKeyPrefix      = "model:"
	modelsSetKey        = "models"
	apiKeyPrefix        = "apikey:"
	apiKeyEmailPrefix   = "apikeys:email:"
)

// putInstanceIfAbsentScript inserts the instance hash and registers it in
// the index sets only when no record exists. EXISTS + HSET in one script is
// the atomic conditional insert the claim protocol depends on.
var putInstanceIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// guardedHSetScript updates named fields only when the record exists, so
// a partial update can never resurrect a deleted slot.
var guardedHSetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// RedisStore is the production Store backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient builds a Redis client from REDIS_HOST, REDIS_PORT and
// REDIS_PASSWORD and verifies connectivity.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	redisHost := utils.LoadEnv("REDIS_HOST", "localhost")
	redisPort := utils.LoadEnv("REDIS_PORT", "6379")
	redisPassword := utils.LoadEnv("REDIS_PASSWORD", "")
	client := redis.NewClient(&redis.Options{
		Addr:     redisHost + ":" + redisPort,
		Password: redisPassword,
		DB:       0,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s:%s: %w", redisHost, redisPort, err)
	}
	klog.Infof("Connected to Redis: %s", pong)
	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = &RedisStore{}

// --- Instances ---

func (s *RedisStore) GetInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	fields, err := s.client.HGetAll(ctx, instanceKeyPrefix+instanceID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return instanceFromFields(fields), nil
}

func (s *RedisStore) ListInstances(ctx context.Context, model string, status types.InstanceStatus) ([]*types.Instance, error) {
	indexKey := instancesSetKey
	if model != "" {
		indexKey = instanceModelPrefix + model
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	instances := make([]*types.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			// Index entry with no record: a concurrent delete. Skip it.
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *RedisStore) PutInstance(ctx context.Context, inst *types.Instance) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, instanceKeyPrefix+inst.InstanceID, instanceToFields(inst))
	pipe.SAdd(ctx, instancesSetKey, inst.InstanceID)
	pipe.SAdd(ctx, instanceModelPrefix+inst.Model, inst.InstanceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PutInstanceIfAbsent(ctx context.Context, inst *types.Instance) (bool, error) {
	argv := fieldsToArgs(instanceToFields(inst))
	keys := []string{
		instanceKeyPrefix + inst.InstanceID,
		instancesSetKey,
		instanceModelPrefix + inst.Model,
	}
	claimed, err := putInstanceIfAbsentScript.Run(ctx, s.client, keys, argv...).Int()
	if err != nil {
		return false, err
	}
	return claimed == 1, nil
}

func (s *RedisStore) UpdateInstance(ctx context.Context, instanceID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	// Validate field names and values before touching the store.
	if err := (&types.Instance{}).ApplyFields(fields); err != nil {
		return err
	}
	argv := fieldsToArgs(stringifyFields(fields))
	updated, err := guardedHSetScript.Run(ctx, s.client, []string{instanceKeyPrefix + instanceID}, argv...).Int()
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	return nil
}

func (s *RedisStore) DeleteInstance(ctx context.Context, instanceID string) error {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, instanceKeyPrefix+instanceID)
	pipe.SRem(ctx, instancesSetKey, instanceID)
	if inst != nil {
		pipe.SRem(ctx, instanceModelPrefix+inst.Model, instanceID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// --- Models ---

func (s *RedisStore) GetModelConfig(ctx context.Context, name string) (*types.ModelConfig, error) {
	fields, err := s.client.HGetAll(ctx, modelKeyPrefix+name).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return modelConfigFromFields(fields), nil
}

func (s *RedisStore) PutModelConfig(ctx context.Context, config *types.ModelConfig) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, modelKeyPrefix+config.Name, map[string]any{
		"name":          config.Name,
		"instance_type": config.InstanceType,
		"vllm_args":     config.VLLMArgs,
		"idle_timeout":  strconv.FormatInt(config.IdleTimeout, 10),
	})
	pipe.SAdd(ctx, modelsSetKey, config.Name)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListModelConfigs(ctx context.Context) ([]*types.ModelConfig, error) {
	names, err := s.client.SMembers(ctx, modelsSetKey).Result()
	if err != nil {
		return nil, err
	}
	configs := make([]*types.ModelConfig, 0, len(names))
	for _, name := range names {
		config, err := s.GetModelConfig(ctx, name)
		if err != nil {
			return nil, err
		}
		if config != nil {
			configs = append(configs, config)
		}
	}
	return configs, nil
}

// --- API keys ---

func (s *RedisStore) GetAPIKey(ctx context.Context, keyHash string) (*types.APIKey, error) {
	fields, err := s.client.HGetAll(ctx, apiKeyPrefix+keyHash).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return apiKeyFromFields(fields), nil
}

func (s *RedisStore) PutAPIKey(ctx context.Context, key *types.APIKey) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, apiKeyPrefix+key.KeyHash, map[string]any{
		"key_hash":     key.KeyHash,
		"email":        key.Email,
		"name":         key.Name,
		"created_at":   strconv.FormatInt(key.CreatedAt, 10),
		"last_used_at": strconv.FormatInt(key.LastUsedAt, 10),
	})
	pipe.SAdd(ctx, apiKeyEmailPrefix+key.Email, key.KeyHash)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteAPIKey(ctx context.Context, keyHash string) error {
	key, err := s.GetAPIKey(ctx, keyHash)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, apiKeyPrefix+keyHash)
	if key != nil {
		pipe.SRem(ctx, apiKeyEmailPrefix+key.Email, keyHash)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAPIKeys(ctx context.Context, email string) ([]*types.APIKey, error) {
	hashes, err := s.client.SMembers(ctx, apiKeyEmailPrefix+email).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]*types.APIKey, 0, len(hashes))
	for _, hash := range hashes {
		key, err := s.GetAPIKey(ctx, hash)
		if err != nil {
			return nil, err
		}
		if key != nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *RedisStore) UpdateAPIKeyLastUsed(ctx context.Context, keyHash string, ts int64) error {
	argv := []any{"last_used_at", strconv.FormatInt(ts, 10)}
	_, err := guardedHSetScript.Run(ctx, s.client, []string{apiKeyPrefix + keyHash}, argv...).Int()
	return err
}

// --- field mapping ---

func instanceToFields(inst *types.Instance) map[string]string {
	return map[string]string{
		"instance_id":          inst.InstanceID,
		"model":                inst.Model,
		"status":               string(inst.Status),
		"ip":                   inst.IP,
		"instance_type":        inst.InstanceType,
		"provider_instance_id": inst.ProviderInstanceID,
		"launched_at":          strconv.FormatInt(inst.LaunchedAt, 10),
		"last_request_at":      strconv.FormatInt(inst.LastRequestAt, 10),
	}
}

func instanceFromFields(fields map[string]string) *types.Instance {
	return &types.Instance{
		InstanceID:         fields["instance_id"],
		Model:              fields["model"],
		Status:             types.InstanceStatus(fields["status"]),
		IP:                 fields["ip"],
		InstanceType:       fields["instance_type"],
		ProviderInstanceID: fields["provider_instance_id"],
		LaunchedAt:         parseInt64(fields["launched_at"]),
		LastRequestAt:      parseInt64(fields["last_request_at"]),
	}
}

func modelConfigFromFields(fields map[string]string) *types.ModelConfig {
	return &types.ModelConfig{
		Name:         fields["name"],
		InstanceType: fields["instance_type"],
		VLLMArgs:     fields["vllm_args"],
		IdleTimeout:  parseInt64(fields["idle_timeout"]),
	}
}

func apiKeyFromFields(fields map[string]string) *types.APIKey {
	return &types.APIKey{
		KeyHash:    fields["key_hash"],
		Email:      fields["email"],
		Name:       fields["name"],
		CreatedAt:  parseInt64(fields["created_at"]),
		LastUsedAt: parseInt64(fields["last_used_at"]),
	}
}

func stringifyFields(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		switch v := value.(type) {
		case string:
			out[name] = v
		case types.InstanceStatus:
			out[name] = string(v)
		case int64:
			out[name] = strconv.FormatInt(v, 10)
		case int:
			out[name] = strconv.Itoa(v)
		default:
			out[name] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// fieldsToArgs flattens a field map into HSET arguments with instance_id
// first, so the claim script can index the ID at a fixed ARGV position.
func fieldsToArgs(fields map[string]string) []any {
	argv := make([]any, 0, len(fields)*2)
	if id, ok := fields["instance_id"]; ok {
		argv = append(argv, "instance_id", id)
	}
	for name, value := range fields {
		if name == "instance_id" {
			continue
		}
		argv = append(argv, name, value)
	}
	return argv
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
