package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 100, cfg.DefaultCapacity)
	assert.Equal(t, 30*time.Second, cfg.FreezeDuration)
	assert.False(t, cfg.PubNubEnabled())
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := writeFile(t, dir, "queue.yaml", `
port: "9000"
store: sqlite
sqlitePath: /tmp/q.sqlite
defaultCapacity: 50
freezeDuration: 45s
freezeTrigger: overflow
`)
	writeFile(t, dir, ".env", "DEFAULT_CAPACITY=20\nPUBNUB_PUBLISH_KEY=pub\nPUBNUB_SUBSCRIBE_KEY=sub\n")
	t.Cleanup(func() {
		for _, k := range []string{"DEFAULT_CAPACITY", "PUBNUB_PUBLISH_KEY", "PUBNUB_SUBSCRIBE_KEY"} {
			os.Unsetenv(k)
		}
	})
	t.Setenv("PORT", "9100")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/q.sqlite", cfg.SQLitePath)
	assert.Equal(t, 20, cfg.DefaultCapacity)
	assert.Equal(t, 45*time.Second, cfg.FreezeDuration)
	assert.Equal(t, "overflow", cfg.FreezeTrigger)
	assert.True(t, cfg.PubNubEnabled())
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "error reading config file")

	bad := writeFile(t, dir, "bad.yaml", "port: [unterminated")
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "error parsing config file")

	t.Setenv("STORE", "mongo")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "invalid store")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"redis store", func(c *Config) { c.Store = StoreRedis }, true},
		{"unknown store", func(c *Config) { c.Store = "etcd" }, false},
		{"sqlite without path", func(c *Config) { c.Store, c.SQLitePath = StoreSQLite, "" }, false},
		{"zero capacity", func(c *Config) { c.DefaultCapacity = 0 }, false},
		{"zero freeze", func(c *Config) { c.FreezeDuration = 0 }, false},
		{"bad trigger", func(c *Config) { c.FreezeTrigger = "never" }, false},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }, false},
		{"disabled sweep", func(c *Config) { c.SweepInterval = 0 }, true},
		{"negative rate limit", func(c *Config) { c.JoinRateLimit = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
