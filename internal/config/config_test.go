package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.WSAddr)
	require.Equal(t, ":8081", cfg.Server.HTTPAddr)
	require.Equal(t, 256, cfg.Server.WorkerPoolSize)
	require.Equal(t, int64(8192), cfg.Server.MaxFrameBytes)
	require.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	require.Equal(t, "badger", cfg.Store.Driver)
	require.Equal(t, 3*time.Second, cfg.Store.Timeout)
	require.Equal(t, "local", cfg.Broadcast.Driver)
	require.Equal(t, 2*time.Second, cfg.Broadcast.Timeout)
	require.False(t, cfg.Redis.Enabled())
	require.Equal(t, 20, cfg.History.DefaultPageSize)
	require.Equal(t, 100, cfg.History.MaxPageSize)
	require.Equal(t, 20, cfg.RateLimit.Messages)
	require.Equal(t, "jummahs", cfg.Events.Table)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  ws_addr: ":9000"
store:
  driver: memory
history:
  default_page_size: 10
log:
  level: debug
`), 0o600))

	t.Setenv("CHAT_SERVER_HTTP_ADDR", ":9001")
	t.Setenv("REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.WSAddr)
	require.Equal(t, ":9001", cfg.Server.HTTPAddr)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 10, cfg.History.DefaultPageSize)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Redis.Enabled())
	require.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestValidateRejects(t *testing.T) {
	t.Run("unknown store driver", func(t *testing.T) {
		t.Setenv("CHAT_STORE_DRIVER", "cassandra")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("CHAT_STORE_DRIVER", "postgres")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("default page above max", func(t *testing.T) {
		t.Setenv("CHAT_HISTORY_DEFAULT_PAGE_SIZE", "500")
		_, err := Load("")
		require.Error(t, err)
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
