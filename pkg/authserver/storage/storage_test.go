// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr string
	}{
		{name: "standalone", cfg: RedisConfig{Addr: "localhost:6379"}},
		{name: "missing addr", cfg: RedisConfig{}, wantErr: "addr is required"},
		{
			name:    "sentinel without master",
			cfg:     RedisConfig{Sentinel: &SentinelConfig{SentinelAddrs: []string{"s:26379"}}},
			wantErr: "master_name",
		},
		{
			name:    "sentinel without addrs",
			cfg:     RedisConfig{Sentinel: &SentinelConfig{MasterName: "mymaster"}},
			wantErr: "sentinel address",
		},
		{
			name: "sentinel",
			cfg:  RedisConfig{Sentinel: &SentinelConfig{MasterName: "mymaster", SentinelAddrs: []string{"s:26379"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))

	mr.Close()
	_, err = NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "authd:state:abc", Key("", "state", "abc"))
	assert.Equal(t, "tenant:role:github:1", Key("tenant:", "role", "github:1"))
}

func TestValidateType(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateType(TypeRedis, TypeMemory, TypeRedis))
	assert.Error(t, ValidateType(TypeSQLite, TypeMemory, TypeRedis))
}

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
