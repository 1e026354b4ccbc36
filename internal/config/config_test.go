package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "fabric", cfg.Redis.Namespace)
	assert.Equal(t, int64(10000), cfg.Redis.StreamMaxLen)
	assert.True(t, cfg.Ops.EnableDLQ)
	assert.Equal(t, 25, cfg.RAG.DefaultLimit)
	assert.Equal(t, ":8089", cfg.Control.Addr)
	assert.False(t, cfg.WorkerOnce)
}

func TestRedisAddrPrefersURL(t *testing.T) {
	r := Redis{URL: "redis://prod:6380/2", Host: "localhost", Port: 6379}
	assert.Equal(t, "redis://prod:6380/2", r.Addr())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_NAMESPACE", "prod")
	t.Setenv("REDIS_RETRY_BACKOFF_MS", "500")
	t.Setenv("ENABLE_DLQ", "false")
	t.Setenv("OPS_DELAYED_RETRY", "true")
	t.Setenv("OPS_HB_TTL", "30")
	t.Setenv("PERSIST_READ_TABLES", "clients, orders ,notes")
	t.Setenv("PERSIST_WRITE_TABLES", "clients")
	t.Setenv("RAG_MAX_LIMIT", "50")
	t.Setenv("RAG_CACHE_DISABLED", "true")
	t.Setenv("CONTROL_JWT_SECRET", "s3cr3t")
	t.Setenv("WORKER_ONCE", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, "prod", cfg.Redis.Namespace)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.RetryBackoff)
	assert.False(t, cfg.Ops.EnableDLQ)
	assert.True(t, cfg.Ops.DelayedRetry)
	assert.Equal(t, 30*time.Second, cfg.Ops.HBTTL)
	assert.Equal(t, []string{"clients", "orders", "notes"}, cfg.Persist.ReadTables)
	assert.Equal(t, []string{"clients"}, cfg.Persist.WriteTables)
	assert.Equal(t, 50, cfg.RAG.MaxLimit)
	assert.True(t, cfg.RAG.CacheDisabled)
	assert.Equal(t, "s3cr3t", cfg.Control.JWTSecret)
	assert.True(t, cfg.WorkerOnce)
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  namespace: staging
  stream_maxlen: 500
persist:
  read_tables: [clients, orders]
rag:
  default_limit: 10
control:
  addr: ":9000"
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Redis.Namespace)
	assert.Equal(t, int64(500), cfg.Redis.StreamMaxLen)
	assert.Equal(t, []string{"clients", "orders"}, cfg.Persist.ReadTables)
	assert.Equal(t, 10, cfg.RAG.DefaultLimit)
	assert.Equal(t, ":9000", cfg.Control.Addr)
	assert.Equal(t, "localhost", cfg.Redis.Host)
}

func TestEnvWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  namespace: staging\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_NAMESPACE", "prod")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Redis.Namespace)
}

func TestMissingConfigFileFails(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
