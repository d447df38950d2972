package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newViper(t *testing.T, workspace string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("workspace", workspace)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper(t, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.DBURL)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := "addr: 127.0.0.1:8080\nlog-level: debug\ncors-origins:\n  - http://a.test\n  - http://b.test\nshutdown-timeout: 3s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(file), 0o644))

	cfg, err := Load(newViper(t, dir))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)

	t.Setenv("TASKLINE_ADDR", "127.0.0.1:9090")
	t.Setenv("DB_URL", "postgres://u:p@localhost/tasks?sslmode=disable")
	cfg, err = Load(newViper(t, dir))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, "postgres://u:p@localhost/tasks?sslmode=disable", cfg.DBURL)
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASKLINE_LOG_FORMAT=text\nTASKLINE_STATIC_DIR=public\n"), 0o644))
	t.Setenv("TASKLINE_LOG_FORMAT", "json")
	t.Setenv("TASKLINE_STATIC_DIR", "")
	require.NoError(t, os.Unsetenv("TASKLINE_STATIC_DIR"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "json", os.Getenv("TASKLINE_LOG_FORMAT"))
	assert.Equal(t, "public", os.Getenv("TASKLINE_STATIC_DIR"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	base := Default()
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"addr":     func(c *Config) { c.Addr = "5000" },
		"level":    func(c *Config) { c.LogLevel = "chatty" },
		"format":   func(c *Config) { c.LogFormat = "xml" },
		"db url":   func(c *Config) { c.DBURL = "mysql://localhost/db" },
		"shutdown": func(c *Config) { c.ShutdownTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := *Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	out, err := cfg.YAML()
	require.NoError(t, err)
	var values map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &values))
	assert.Equal(t, "0.0.0.0:5000", values["addr"])
	assert.Equal(t, "10s", values["shutdown-timeout"])
	assert.NotContains(t, values, "db-url")
}
