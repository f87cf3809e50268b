// Package config loads node configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTiming marks timing settings that break lease safety
var ErrInvalidTiming = errors.New("invalid timing")

// Config is the node configuration
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Store   StoreConfig   `yaml:"store"`
	Timing  Timing        `yaml:"timing"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
}

// StoreConfig points at the coordination store
type StoreConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

// Timing holds the lease, heartbeat and detector periods.
// See Validate for the relations they must satisfy.
type Timing struct {
	LockTTL            time.Duration `yaml:"lock_ttl"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL       time.Duration `yaml:"heartbeat_ttl"`
	DetectorDelay      time.Duration `yaml:"detector_delay"`
	DetectorPeriod     time.Duration `yaml:"detector_period"`
	EngineCloseTimeout time.Duration `yaml:"engine_close_timeout"`
}

// EngineConfig controls local engines
type EngineConfig struct {
	DataDir      string `yaml:"data_dir"`
	SnapshotMode string `yaml:"snapshot_mode"`
	// RecoverFailed lets the orphan detector restart tasks whose engine failed
	RecoverFailed bool `yaml:"recover_failed"`
	// HandoffOnShutdown keeps assignments on graceful shutdown so other nodes take the tasks over
	HandoffOnShutdown bool `yaml:"handoff_on_shutdown"`
	// LogEvents logs every change event at debug level
	LogEvents bool `yaml:"log_events"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultTiming is the reference lease and detector timing
func DefaultTiming() Timing {
	return Timing{
		LockTTL:            30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		HeartbeatTTL:       30 * time.Second,
		DetectorDelay:      30 * time.Second,
		DetectorPeriod:     60 * time.Second,
		EngineCloseTimeout: 10 * time.Second,
	}
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Timing:  DefaultTiming(),
		Engine:  EngineConfig{RecoverFailed: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

// Load reads path (optional), applies defaults and environment overrides,
// resolves the node id and validates timing.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv, os.Hostname)
}

func load(path string, getenv func(string) string, hostname func() (string, error)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	if cfg.Node.ID == "" {
		cfg.Node.ID = defaultNodeID(cfg.Node.Listen, hostname)
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Node.Listen == "" {
		cfg.Node.Listen = ":8090"
	}
	if cfg.Store.Addr == "" {
		cfg.Store.Addr = "127.0.0.1:6379"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "cdc"
	}
	if cfg.Store.DialTimeout == 0 {
		cfg.Store.DialTimeout = 5 * time.Second
	}
	if cfg.Store.OpTimeout == 0 {
		cfg.Store.OpTimeout = 3 * time.Second
	}
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = "/tmp/cdcfleet"
	}
	if cfg.Engine.SnapshotMode == "" {
		cfg.Engine.SnapshotMode = "initial"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	set := func(k string, dst *string) {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	set("NODE_ID", &cfg.Node.ID)
	set("NODE_LISTEN", &cfg.Node.Listen)
	set("REDIS_ADDR", &cfg.Store.Addr)
	set("REDIS_PASSWORD", &cfg.Store.Password)
	set("CDC_KEY_PREFIX", &cfg.Store.KeyPrefix)
	set("CDC_DATA_DIR", &cfg.Engine.DataDir)
	set("LOG_LEVEL", &cfg.Logging.Level)

	if v := getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Store.DB = db
	}
	return nil
}

// defaultNodeID is hostname:port of the listen address, or hostname-<random>
// when the port cannot be determined.
func defaultNodeID(listen string, hostname func() (string, error)) string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "node"
	}
	if _, port, err := net.SplitHostPort(listen); err == nil && port != "" && port != "0" {
		return host + ":" + port
	}
	return host + "-" + uuid.NewString()[:8]
}

// Validate checks lockTTL == heartbeatTTL <= detectorPeriod/2 and
// heartbeatInterval < heartbeatTTL, with every period positive.
func (t Timing) Validate() error {
	for name, d := range map[string]time.Duration{
		"lock_ttl":             t.LockTTL,
		"heartbeat_interval":   t.HeartbeatInterval,
		"heartbeat_ttl":        t.HeartbeatTTL,
		"detector_period":      t.DetectorPeriod,
		"engine_close_timeout": t.EngineCloseTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidTiming, name)
		}
	}
	if t.DetectorDelay < 0 {
		return fmt.Errorf("%w: detector_delay must not be negative", ErrInvalidTiming)
	}
	if t.LockTTL != t.HeartbeatTTL {
		return fmt.Errorf("%w: lock_ttl %s must equal heartbeat_ttl %s", ErrInvalidTiming, t.LockTTL, t.HeartbeatTTL)
	}
	if t.HeartbeatTTL > t.DetectorPeriod/2 {
		return fmt.Errorf("%w: heartbeat_ttl %s exceeds half of detector_period %s", ErrInvalidTiming, t.HeartbeatTTL, t.DetectorPeriod)
	}
	if t.HeartbeatInterval >= t.HeartbeatTTL {
		return fmt.Errorf("%w: heartbeat_interval %s must be shorter than heartbeat_ttl %s", ErrInvalidTiming, t.HeartbeatInterval, t.HeartbeatTTL)
	}
	return nil
}
