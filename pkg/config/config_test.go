package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/config"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Cache.Profile.FreshDuration)
		assert.Equal(t, 1000, cfg.Admission.MaxConnections)
		assert.Equal(t, config.BackendRedis, cfg.Substrate.Backend)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		// Arrange
		path := writeConfig(t, `
service_name: socialgraph-test
log_level: debug
http_port: ":8181"
project_id: demo
cache:
  profile:
    fresh_duration: 1s
    stale_duration: 6s
    max_entries: 50
admission:
  max_connections: 10
  acquire_timeout: 2s
substrate:
  backend: memory
  broadcast: pubsub
  pubsub:
    create_topics: true
registry:
  duplicate_session_policy: evict
`)

		// Act
		cfg, err := config.Load(path)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "socialgraph-test", cfg.ServiceName)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":8181", cfg.HTTPPort)
		assert.Equal(t, ":9090", cfg.GRPCPort, "unset fields keep their defaults")
		assert.Equal(t, time.Second, cfg.Cache.Profile.FreshDuration)
		assert.Equal(t, 6*time.Second, cfg.Cache.Profile.StaleDuration)
		assert.Equal(t, 50, cfg.Cache.Profile.MaxEntries)
		assert.Equal(t, 2*time.Second, cfg.Admission.AcquireTimeout)
		assert.True(t, cfg.Substrate.Pubsub.CreateTopics)
		assert.Equal(t, registry.PolicyEvict, cfg.Registry.DuplicateSessionPolicy)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfig(t, "log_level: debug\n")
		t.Setenv("SOCIALGRAPH_LOG_LEVEL", "warn")
		t.Setenv("SOCIALGRAPH_MAX_CONNECTIONS", "7")
		t.Setenv("SOCIALGRAPH_CACHE_FRESH_DURATION", "30s")
		t.Setenv("SOCIALGRAPH_REDIS_ADDR", "redis:6380")

		cfg, err := config.Load(path)

		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, 7, cfg.Admission.MaxConnections)
		assert.Equal(t, 30*time.Second, cfg.Cache.Profile.FreshDuration)
		assert.Equal(t, "redis:6380", cfg.Substrate.Redis.Addr)
	})

	t.Run("malformed environment value is an error", func(t *testing.T) {
		t.Setenv("SOCIALGRAPH_MAX_CONNECTIONS", "many")
		_, err := config.Load("")
		require.Error(t, err)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "zero fresh duration", mutate: func(c *config.Config) { c.Cache.Profile.FreshDuration = 0 }},
		{name: "stale shorter than fresh", mutate: func(c *config.Config) { c.Cache.Profile.StaleDuration = time.Second }},
		{name: "zero cache capacity", mutate: func(c *config.Config) { c.Cache.Profile.MaxEntries = 0 }},
		{name: "zero connection capacity", mutate: func(c *config.Config) { c.Admission.MaxConnections = 0 }},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Substrate.Backend = "etcd" }},
		{name: "redis broadcast without redis store", mutate: func(c *config.Config) { c.Substrate.Backend = config.BackendMemory }},
		{name: "pubsub without project", mutate: func(c *config.Config) { c.Substrate.Broadcast = config.BroadcastPubsub }},
		{name: "unknown policy", mutate: func(c *config.Config) { c.Registry.DuplicateSessionPolicy = "random" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
