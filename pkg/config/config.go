// Package config loads tether configuration from defaults, an optional YAML
// file, TETHER_ prefixed environment variables and caller overrides, in that
// order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/logging"
	"github.com/jg-phare/tether/pkg/queue"
	"github.com/jg-phare/tether/pkg/retry"
)

const (
	// EnvPrefix is the prefix for environment variables read by Load.
	EnvPrefix = "TETHER_"
	// DefaultEndpoint is the local backend address.
	DefaultEndpoint = "ws://localhost:5747"
)

// Config is the complete tether configuration.
type Config struct {
	Endpoint string `koanf:"endpoint"`
	// ProbeAddresses overrides the readiness probe list derived from Endpoint.
	ProbeAddresses []string `koanf:"probe_addresses"`
	// AllowedKinds restricts accepted event kinds. Empty accepts all.
	AllowedKinds []string `koanf:"allowed_kinds"`

	Connection retry.Config     `koanf:"connection"`
	Events     retry.Config     `koanf:"events"`
	Queue      queue.Config     `koanf:"queue"`
	Health     HealthConfig     `koanf:"health"`
	Logging    logging.Config   `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	DeadLetter DeadLetterConfig `koanf:"dead_letter"`
}

// HealthConfig holds liveness and timeout settings.
type HealthConfig struct {
	StaleAfter       time.Duration `koanf:"stale_after"`
	CheckInterval    time.Duration `koanf:"check_interval"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
	// JoinTimeout bounds how long a disconnect waits for connection tasks.
	JoinTimeout time.Duration `koanf:"join_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// DeadLetterConfig controls the dead-letter file. An empty Path disables it.
type DeadLetterConfig struct {
	Path string `koanf:"path"`
}

// sections lists the top-level keys that hold nested settings. Environment
// names are split on the first underscore after a section name, so
// TETHER_CONNECTION_MAX_RETRIES maps to connection.max_retries.
var sections = []string{
	"dead_letter",
	"connection",
	"events",
	"queue",
	"health",
	"logging",
	"metrics",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Endpoint:   DefaultEndpoint,
		Connection: retry.DefaultConnectionConfig(),
		Events:     retry.DefaultEventConfig(),
		Queue:      queue.DefaultConfig(),
		Health: HealthConfig{
			StaleAfter:       60 * time.Second,
			CheckInterval:    10 * time.Second,
			ReadTimeout:      connection.DefaultReadTimeout,
			HandshakeTimeout: connection.DefaultHandshakeTimeout,
			JoinTimeout:      connection.DefaultJoinTimeout,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
	}
}

// Load builds a Config. An empty path skips the file layer; a non-empty path
// must exist.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with a final layer of dotted keys, such as
// "endpoint" or "metrics.address", that win over the file and environment.
// Command-line flags are applied this way.
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return section + "." + rest
		}
	}
	return s
}

// Validate checks the configuration for values the components cannot run
// with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Endpoint)
	switch {
	case c.Endpoint == "":
		errs = append(errs, errors.New("endpoint is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	case u.Scheme == "":
		errs = append(errs, fmt.Errorf("endpoint %q has no scheme", c.Endpoint))
	}

	errs = append(errs, validateRetry("connection", c.Connection)...)
	errs = append(errs, validateRetry("events", c.Events)...)

	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got: %d", c.Queue.Capacity))
	}
	switch c.Queue.Overflow {
	case queue.DropNewest, queue.DropOldest:
	default:
		errs = append(errs, fmt.Errorf("queue.overflow_policy must be one of: %s, %s, got: %s",
			queue.DropNewest, queue.DropOldest, c.Queue.Overflow))
	}
	if c.Queue.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue.shutdown_timeout must be positive, got: %s", c.Queue.ShutdownTimeout))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"health.stale_after", c.Health.StaleAfter},
		{"health.check_interval", c.Health.CheckInterval},
		{"health.read_timeout", c.Health.ReadTimeout},
		{"health.handshake_timeout", c.Health.HandshakeTimeout},
		{"health.join_timeout", c.Health.JoinTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got: %s", p.name, p.d))
		}
	}
	if c.Health.ProbeTimeout < 0 {
		errs = append(errs, fmt.Errorf("health.probe_timeout must not be negative, got: %s", c.Health.ProbeTimeout))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

func validateRetry(name string, r retry.Config) []error {
	var errs []error
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retries must not be negative, got: %d", name, r.MaxRetries))
	}
	if r.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("%s.base_delay must not be negative, got: %s", name, r.BaseDelay))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("%s.max_delay (%s) must not be below base_delay (%s)", name, r.MaxDelay, r.BaseDelay))
	}
	if r.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("%s.backoff_factor must be at least 1, got: %g", name, r.BackoffFactor))
	}
	return errs
}

// ConnectionConfig returns the connection.Config these settings describe.
func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		Endpoint:         c.Endpoint,
		ProbeAddresses:   c.ProbeAddresses,
		Retry:            c.Connection,
		HandshakeTimeout: c.Health.HandshakeTimeout,
		ReadTimeout:      c.Health.ReadTimeout,
		ProbeTimeout:     c.Health.ProbeTimeout,
		JoinTimeout:      c.Health.JoinTimeout,
		AllowedKinds:     c.AllowedKinds,
	}
}

// QueueConfig returns the queue.Config with the event retry policy attached.
func (c *Config) QueueConfig() queue.Config {
	qc := c.Queue
	qc.Retry = c.Events
	return qc
}
