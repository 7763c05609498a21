// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Operation)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Persistence)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  path: /tmp/baton.db
timeouts:
  operation: 10s
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/baton.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Operation)
	// Unspecified fields keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Persistence)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  path: /tmp/baton.db
`)

	t.Setenv("BATON_STORE_DRIVER", "redis")
	t.Setenv("BATON_STORE_ADDR", "localhost:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "localhost:6380", cfg.Store.Addr)
}

func TestValidate(t *testing.T) {
	t.Run("sqlite requires a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = DriverSQLite
		require.Error(t, cfg.Validate())
	})

	t.Run("redis requires an addr", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = DriverRedis
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = "etcd"
		require.Error(t, cfg.Validate())
	})

	t.Run("non-positive operation timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Timeouts.Operation = 0
		require.Error(t, cfg.Validate())
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
