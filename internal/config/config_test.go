package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func host(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

func TestDefaults(t *testing.T) {
	cfg, err := load("", env(nil), host("box"))
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Node.Listen)
	assert.Equal(t, "box:8090", cfg.Node.ID)
	assert.Equal(t, "127.0.0.1:6379", cfg.Store.Addr)
	assert.Equal(t, "cdc", cfg.Store.KeyPrefix)
	assert.Equal(t, DefaultTiming(), cfg.Timing)
	assert.Equal(t, "initial", cfg.Engine.SnapshotMode)
	assert.True(t, cfg.Engine.RecoverFailed)
	assert.False(t, cfg.Engine.HandoffOnShutdown)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: n1
  listen: ":9000"
store:
  addr: redis:6379
  db: 2
  key_prefix: prod
timing:
  lock_ttl: 20s
  heartbeat_interval: 5s
  heartbeat_ttl: 20s
  detector_delay: 10s
  detector_period: 40s
engine:
  data_dir: /data
  recover_failed: false
logging:
  format: json
`), 0o644))

	cfg, err := load(path, env(nil), host("box"))
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.Node.ID)
	assert.Equal(t, "redis:6379", cfg.Store.Addr)
	assert.Equal(t, 2, cfg.Store.DB)
	assert.Equal(t, "prod", cfg.Store.KeyPrefix)
	assert.Equal(t, 20*time.Second, cfg.Timing.LockTTL)
	assert.Equal(t, 40*time.Second, cfg.Timing.DetectorPeriod)
	assert.Equal(t, 10*time.Second, cfg.Timing.EngineCloseTimeout, "unset fields keep defaults")
	assert.Equal(t, "/data", cfg.Engine.DataDir)
	assert.False(t, cfg.Engine.RecoverFailed)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: from-file\n"), 0o644))

	cfg, err := load(path, env(map[string]string{
		"NODE_ID":        "from-env",
		"REDIS_ADDR":     "10.0.0.1:6379",
		"REDIS_PASSWORD": "secret",
		"REDIS_DB":       "3",
		"CDC_DATA_DIR":   "/var/cdc",
		"CDC_KEY_PREFIX": "stage",
		"LOG_LEVEL":      "debug",
	}), host("box"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, "10.0.0.1:6379", cfg.Store.Addr)
	assert.Equal(t, "secret", cfg.Store.Password)
	assert.Equal(t, 3, cfg.Store.DB)
	assert.Equal(t, "/var/cdc", cfg.Engine.DataDir)
	assert.Equal(t, "stage", cfg.Store.KeyPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil), host("box"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("timing: [not, a, map]"), 0o644))
	_, err = load(bad, env(nil), host("box"))
	assert.Error(t, err)

	_, err = load("", env(map[string]string{"REDIS_DB": "one"}), host("box"))
	assert.Error(t, err)

	skewed := filepath.Join(t.TempDir(), "skewed.yaml")
	require.NoError(t, os.WriteFile(skewed, []byte("timing:\n  lock_ttl: 45s\n"), 0o644))
	_, err = load(skewed, env(nil), host("box"))
	assert.ErrorIs(t, err, ErrInvalidTiming)
}

func TestDefaultNodeID(t *testing.T) {
	assert.Equal(t, "box:8090", defaultNodeID(":8090", host("box")))
	assert.Equal(t, "box:80", defaultNodeID("0.0.0.0:80", host("box")))

	random := defaultNodeID("not-an-addr", host("box"))
	assert.True(t, strings.HasPrefix(random, "box-"))
	assert.Len(t, random, len("box-")+8)

	failing := func() (string, error) { return "", errors.New("no hostname") }
	assert.Equal(t, "node:1", defaultNodeID(":1", failing))
}

func TestTimingValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Timing)
		ok     bool
	}{
		{name: "reference timing", mutate: func(*Timing) {}, ok: true},
		{name: "lock ttl differs", mutate: func(t *Timing) { t.LockTTL = 20 * time.Second }},
		{name: "ttl above half period", mutate: func(t *Timing) { t.DetectorPeriod = 50 * time.Second }},
		{name: "ttl exactly half period", mutate: func(t *Timing) { t.DetectorPeriod = 60 * time.Second }, ok: true},
		{name: "interval equals ttl", mutate: func(t *Timing) { t.HeartbeatInterval = 30 * time.Second }},
		{name: "zero interval", mutate: func(t *Timing) { t.HeartbeatInterval = 0 }},
		{name: "zero close timeout", mutate: func(t *Timing) { t.EngineCloseTimeout = 0 }},
		{name: "negative delay", mutate: func(t *Timing) { t.DetectorDelay = -time.Second }},
		{name: "no delay", mutate: func(t *Timing) { t.DetectorDelay = 0 }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timing := DefaultTiming()
			tt.mutate(&timing)
			err := timing.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTiming)
		})
	}
}
