package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	DB     DBConfig     `yaml:"db"`
	JWT    JWTConfig    `yaml:"jwt"`
	Server ServerConfig `yaml:"server"`
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfigMergesEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  name: podnotify
server:
  port: ":8080"
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)

	cfgMap, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, Decode(cfgMap, &cfg))
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "podnotify", cfg.DB.Name)
	assert.Equal(t, ":8080", cfg.Server.Port)
}

func TestLoadConfigMissingEnvironmentFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  host: localhost\n")

	cfgMap, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, Decode(cfgMap, &cfg))
	assert.Equal(t, "localhost", cfg.DB.Host)
}

func TestLoadConfigRequiresBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestLoadConfigSubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
jwt:
  secret: ${JWT_SIGNING_KEY}
db:
  password: "${DB_PASS}"
`)
	writeFile(t, dir, "secrets.env", "# comment\nJWT_SIGNING_KEY='s3cr3t'\nDB_PASS=\"hunter2\"\n")

	cfgMap, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, Decode(cfgMap, &cfg))
	assert.Equal(t, "s3cr3t", cfg.JWT.Secret)
	assert.Equal(t, "hunter2", cfg.DB.Password)
}

func TestOverrideFromSystemEnvKeepsTypes(t *testing.T) {
	cfgMap := map[string]interface{}{
		"db":     map[string]interface{}{"port": 5432, "host": "localhost"},
		"server": map[string]interface{}{"port": ":8080"},
	}

	out := overrideFromSystemEnv(cfgMap, []string{
		"PODNOTIFY_DB_PORT=6543",
		"PODNOTIFY_SERVER_PORT=:9090",
		"PODNOTIFY_DB_UNKNOWN=ignored",
		"UNRELATED=1",
	})

	var cfg testConfig
	require.NoError(t, Decode(out, &cfg))
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.NotContains(t, out["db"], "unknown")
}

func TestMergeMapsIsRecursive(t *testing.T) {
	base := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": "keep",
	}
	override := map[string]interface{}{
		"a": map[string]interface{}{"y": 3},
	}

	merged := mergeMaps(base, override)
	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, merged["a"])
	assert.Equal(t, "keep", merged["b"])
}
