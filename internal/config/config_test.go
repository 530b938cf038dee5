package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
service: podnotify
db:
  host: localhost
  port: 5432
  max_conns: 10
jwt:
  secret: ${JWT_SECRET}
storage:
  driver: postgres
notification:
  session_idle_timeout_seconds: 600
`)
	writeFile(t, dir, "test.yaml", `
storage:
  driver: memory
`)
	writeFile(t, dir, "secrets.env", "JWT_SECRET=from-secrets\n")

	for _, k := range []string{"JWT_SECRET", "STORAGE_DRIVER", "SERVER_PORT", "OTEL_ENDPOINT"} {
		t.Setenv(k, "")
	}
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "from-secrets", cfg.JWT.Secret)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.EqualValues(t, 10, cfg.DB.MaxConns)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 600, cfg.Notification.SessionIdleTimeoutSeconds)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.JWT.Secret = "s"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)

	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}
