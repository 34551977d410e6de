package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/policy"
	"github.com/hupe1980/toolmesh/session"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "TOOLMESH_CONFIG"

// Transports supported by the server.
const (
	TransportStdio = "stdio"
	TransportUnix  = "unix"
)

// DefaultMaxConcurrent is the default per-stream command concurrency.
const DefaultMaxConcurrent = 64

// Memory backends.
const (
	MemoryBackendInMemory = "memory"
	MemoryBackendSQLite   = "sqlite"
)

// Config is the complete toolmesh configuration.
type Config struct {
	Session SessionConfig `yaml:"session" json:"session"`
	Policy  PolicyConfig  `yaml:"policy" json:"policy"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Memory  MemoryConfig  `yaml:"memory" json:"memory"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	// TTL is how long a session lives after its last write. Default: 1h
	TTL Duration `yaml:"ttl" json:"ttl"`
	// SweepInterval is how often expired sessions are purged; 0 disables the
	// background sweep. Default: 1h
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// PolicyConfig configures timeouts and retries.
type PolicyConfig struct {
	// DefaultTimeout applies when no key matches. Default: 30s
	DefaultTimeout Duration `yaml:"default_timeout" json:"default_timeout"`
	// DefaultRetries applies when an adapter has no override. Default: 2
	DefaultRetries int `yaml:"default_retries" json:"default_retries"`
	// Timeouts maps "adapter.operation" or "adapter" to a timeout.
	Timeouts map[string]Duration `yaml:"timeouts" json:"timeouts"`
	// Retries maps adapter names to retry counts.
	Retries map[string]int `yaml:"retries" json:"retries"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level" json:"level"`
	// Format is json or text. Default: json
	Format string `yaml:"format" json:"format"`
	// AddSource includes the caller location in records.
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ServerConfig configures the toolmeshd transport.
type ServerConfig struct {
	// Transport is stdio or unix. Default: stdio
	Transport string `yaml:"transport" json:"transport"`
	// Listen is the socket path for the unix transport.
	Listen string `yaml:"listen" json:"listen"`
	// Codec is json or cbor. Default: json
	Codec string `yaml:"codec" json:"codec"`
	// MaxConcurrent bounds commands processed at once per stream; 0 means
	// unlimited. Default: 64
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// MemoryConfig configures the built-in memory adapter.
type MemoryConfig struct {
	// Backend is memory or sqlite. Default: memory
	Backend string `yaml:"backend" json:"backend"`
	// Path is the SQLite database file. Default: :memory:
	Path string `yaml:"path" json:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			TTL:           Duration(session.DefaultTTL),
			SweepInterval: Duration(session.DefaultSweepInterval),
		},
		Policy: PolicyConfig{
			DefaultTimeout: Duration(policy.DefaultTimeout),
			DefaultRetries: policy.DefaultMaxRetries,
			Timeouts:       map[string]Duration{},
			Retries:        map[string]int{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Transport:     TransportStdio,
			Codec:         "json",
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Memory: MemoryConfig{
			Backend: MemoryBackendInMemory,
			Path:    ":memory:",
		},
	}
}

// LoadFromEnv loads the file named by TOOLMESH_CONFIG, or returns the
// defaults when the variable is unset.
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvVar))
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load reads and validates the file at path, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Format identifies a config file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes data in the given format over the defaults and validates
// the result. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if cfg.Policy.Timeouts == nil {
		cfg.Policy.Timeouts = map[string]Duration{}
	}
	if cfg.Policy.Retries == nil {
		cfg.Policy.Retries = map[string]int{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive"))
	}
	if c.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must not be negative"))
	}

	if c.Policy.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("policy.default_timeout must be positive"))
	}
	if c.Policy.DefaultRetries < 0 {
		errs = append(errs, fmt.Errorf("policy.default_retries must not be negative"))
	}
	for key, d := range c.Policy.Timeouts {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Errorf("policy.timeouts contains an empty key"))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("policy.timeouts[%s] must be positive", key))
		}
	}
	for name, n := range c.Policy.Retries {
		if n < 0 {
			errs = append(errs, fmt.Errorf("policy.retries[%s] must not be negative", name))
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	switch c.Server.Transport {
	case TransportStdio:
	case TransportUnix:
		if strings.TrimSpace(c.Server.Listen) == "" {
			errs = append(errs, fmt.Errorf("server.listen is required for the unix transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.transport must be stdio or unix, got %q", c.Server.Transport))
	}
	if c.Server.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent must not be negative"))
	}
	switch strings.ToLower(c.Server.Codec) {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("server.codec must be json or cbor, got %q", c.Server.Codec))
	}

	switch c.Memory.Backend {
	case MemoryBackendInMemory:
	case MemoryBackendSQLite:
		if strings.TrimSpace(c.Memory.Path) == "" {
			errs = append(errs, fmt.Errorf("memory.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend must be memory or sqlite, got %q", c.Memory.Backend))
	}

	return errors.Join(errs...)
}

// PolicySettings converts the policy section for policy.TimeoutPolicy.Apply.
func (c *Config) PolicySettings() policy.Settings {
	s := policy.Settings{
		DefaultTimeout: c.Policy.DefaultTimeout.Std(),
		DefaultRetries: c.Policy.DefaultRetries,
		Timeouts:       make(map[string]time.Duration, len(c.Policy.Timeouts)),
		Retries:        make(map[string]int, len(c.Policy.Retries)),
	}
	for k, v := range c.Policy.Timeouts {
		s.Timeouts[k] = v.Std()
	}
	for k, v := range c.Policy.Retries {
		s.Retries[k] = v
	}
	return s
}

// PolicyOptions returns an option function configuring policy.New.
func (c *Config) PolicyOptions() func(o *policy.Options) {
	s := c.PolicySettings()
	return func(o *policy.Options) {
		o.DefaultTimeout = s.DefaultTimeout
		o.DefaultRetries = s.DefaultRetries
		o.Timeouts = s.Timeouts
		o.Retries = s.Retries
	}
}

// SessionOptions returns an option function configuring
// session.NewInMemoryStore.
func (c *Config) SessionOptions() func(o *session.Options) {
	return func(o *session.Options) {
		o.TTL = c.Session.TTL.Std()
		o.SweepInterval = c.Session.SweepInterval.Std()
	}
}

// LoggerConfig converts the logging section. Output defaults to stderr.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = level
	}
	cfg.Format = c.Logging.Format
	cfg.AddSource = c.Logging.AddSource
	return cfg
}
