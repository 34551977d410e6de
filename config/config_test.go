package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/policy"
	"github.com/hupe1980/toolmesh/session"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Session.TTL.Std())
	assert.Equal(t, policy.DefaultTimeout, cfg.Policy.DefaultTimeout.Std())
	assert.Equal(t, policy.DefaultMaxRetries, cfg.Policy.DefaultRetries)
	assert.Equal(t, TransportStdio, cfg.Server.Transport)
	assert.Equal(t, DefaultMaxConcurrent, cfg.Server.MaxConcurrent)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "toolmesh.yaml", `
session:
  ttl: 10m
  sweep_interval: 30s
policy:
  default_timeout: 5s
  default_retries: 1
  timeouts:
    search: 2s
    search.deep: 1500
  retries:
    memory: 0
logging:
  level: debug
  format: text
server:
  transport: unix
  listen: /tmp/toolmesh.sock
  codec: cbor
  max_concurrent: 8
memory:
  backend: sqlite
  path: /var/lib/toolmesh/memory.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Session.TTL.Std())
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Policy.DefaultTimeout.Std())
	assert.Equal(t, 1, cfg.Policy.DefaultRetries)
	assert.Equal(t, 2*time.Second, cfg.Policy.Timeouts["search"].Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Policy.Timeouts["search.deep"].Std())
	assert.Equal(t, 0, cfg.Policy.Retries["memory"])
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/tmp/toolmesh.sock", cfg.Server.Listen)
	assert.Equal(t, 8, cfg.Server.MaxConcurrent)
	assert.Equal(t, MemoryBackendSQLite, cfg.Memory.Backend)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, t.TempDir(), "toolmesh.jsonc", `{
  // shorter sessions for tests
  "session": {"ttl": "1s"},
  "policy": {"timeouts": {"vector": "40ms",}},
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Session.TTL.Std())
	assert.Equal(t, 40*time.Millisecond, cfg.Policy.Timeouts["vector"].Std())
	assert.Equal(t, time.Hour, cfg.Session.SweepInterval.Std(), "unset values keep defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "a.yaml", "sesion:\n  ttl: 1s\n"},
		{"bad duration", "b.yaml", "session:\n  ttl: soon\n"},
		{"negative ttl", "c.json", `{"session": {"ttl": "-1s"}}`},
		{"negative retries", "d.yaml", "policy:\n  retries:\n    memory: -1\n"},
		{"unix without listen", "e.yaml", "server:\n  transport: unix\n"},
		{"bad codec", "f.yaml", "server:\n  codec: xml\n"},
		{"bad level", "g.yaml", "logging:\n  level: loud\n"},
		{"bad backend", "h.yaml", "memory:\n  backend: redis\n"},
		{"malformed json", "i.json", `{"session": `},
		{"negative concurrency", "j.yaml", "server:\n  max_concurrent: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := writeFile(t, t.TempDir(), "cfg.yml", "policy:\n  default_retries: 4\n")
	t.Setenv(EnvVar, path)
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Policy.DefaultRetries)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Policy.Timeouts["search"] = Duration(2 * time.Second)
	cfg.Policy.Retries["search"] = 5
	cfg.Session.TTL = Duration(time.Minute)
	cfg.Session.SweepInterval = 0
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"

	p := policy.New(cfg.PolicyOptions())
	assert.Equal(t, 2*time.Second, p.GetTimeout("search", "query", 0))
	assert.Equal(t, 5, p.GetMaxRetries("search", nil))

	store := session.NewInMemoryStore(cfg.SessionOptions())
	defer store.Close()
	assert.Equal(t, time.Minute, store.TTL())

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "text", lc.Format)

	s := cfg.PolicySettings()
	assert.Equal(t, policy.DefaultTimeout, s.DefaultTimeout)
	assert.Equal(t, map[string]time.Duration{"search": 2 * time.Second}, s.Timeouts)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "toolmesh.yaml", "policy:\n  default_retries: 1\n")

	var (
		mu      sync.Mutex
		updates []*Config
	)
	onChange := func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, onChange, func(o *WatchOptions) { o.Debounce = 20 * time.Millisecond })
	}()

	last := func() *Config {
		mu.Lock()
		defer mu.Unlock()
		if len(updates) == 0 {
			return nil
		}
		return updates[len(updates)-1]
	}

	// Keep rewriting until the watcher is registered and picks the change up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("policy:\n  default_retries: 3\n"), 0o600)
		cfg := last()
		return cfg != nil && cfg.Policy.DefaultRetries == 3
	}, 3*time.Second, 50*time.Millisecond)

	// An invalid file is skipped; the last valid config stays current.
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  default_retries: -5\n"), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, last().Policy.DefaultRetries)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "cfg.yaml"), func(*Config) {})
	assert.Error(t, err)
}
