// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authd/pkg/authserver/storage"
)

const (
	keyTypeRole  = "role"
	keyTypeRoles = "roles"
)

// createScript stores a record only if none exists for the user and keeps
// the index sets in step.
// KEYS: record, all-users set, pending set.
// ARGV: json, version, user id, status.
// Returns 1 on success, 0 if the record exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[4] == 'pending' then
	redis.call('SADD', KEYS[3], ARGV[3])
end
return 1
`)

// updateScript replaces a record only if its stored version matches.
// KEYS: record, pending set.
// ARGV: json, expected version, new version, user id, status.
// Returns 1 on success, 0 on version mismatch, -1 if the record is missing.
var updateScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return -1
end
if v ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[3])
if ARGV[5] == 'pending' then
	redis.call('SADD', KEYS[2], ARGV[4])
else
	redis.call('SREM', KEYS[2], ARGV[4])
end
return 1
`)

// RedisBackend stores each record as a hash holding its JSON encoding and
// version, plus sets indexing all users and pending users.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend creates a RedisBackend. The backend takes ownership of
// client and closes it on Close.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (r *RedisBackend) recordKey(userID string) string {
	return storage.Key(r.keyPrefix, keyTypeRole, userID)
}

func (r *RedisBackend) allKey() string {
	return storage.Key(r.keyPrefix, keyTypeRoles, "all")
}

func (r *RedisBackend) pendingKey() string {
	return storage.Key(r.keyPrefix, keyTypeRoles, string(StatusPending))
}

// Create implements Backend.
func (r *RedisBackend) Create(ctx context.Context, rec *RoleAssignment) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal role assignment: %w", err)
	}

	keys := []string{r.recordKey(rec.UserID), r.allKey(), r.pendingKey()}
	created, err := createScript.Run(ctx, r.client, keys, data, rec.Version, rec.UserID, string(rec.Status)).Int()
	if err != nil {
		return fmt.Errorf("failed to store role assignment: %w", err)
	}
	if created == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, userID string) (*RoleAssignment, error) {
	data, err := r.client.HGet(ctx, r.recordKey(userID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role assignment: %w", err)
	}
	return decodeRecord(data)
}

// Update implements Backend.
func (r *RedisBackend) Update(ctx context.Context, rec *RoleAssignment, expectedVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal role assignment: %w", err)
	}

	keys := []string{r.recordKey(rec.UserID), r.pendingKey()}
	result, err := updateScript.Run(ctx, r.client, keys,
		data, expectedVersion, rec.Version, rec.UserID, string(rec.Status)).Int()
	if err != nil {
		return fmt.Errorf("failed to update role assignment: %w", err)
	}
	switch result {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	default:
		return nil
	}
}

// List implements Backend. Candidates come from the pending index when the
// query asks for pending records and from the all-users index otherwise.
func (r *RedisBackend) List(ctx context.Context, q Query) ([]*RoleAssignment, error) {
	index := r.allKey()
	if q.Status == StatusPending {
		index = r.pendingKey()
	}
	ids, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	if len(ids) == 0 {
		return []*RoleAssignment{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.recordKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load role assignments: %w", err)
	}

	matched := make([]*RoleAssignment, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load role assignment: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		if q.matches(rec) {
			matched = append(matched, rec)
		}
	}

	sortRecords(matched)
	return paginate(matched, q.Page), nil
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func decodeRecord(data []byte) (*RoleAssignment, error) {
	var rec RoleAssignment
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal role assignment: %w", err)
	}
	return &rec, nil
}
