package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Link            LinkConfig        `yaml:"link"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Polling         PollingConfig     `yaml:"polling"`
	Optimistic      OptimisticConfig  `yaml:"optimistic"`
	Control         ControlConfig     `yaml:"control"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	History         HistoryConfig     `yaml:"history"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Zones           []ZoneConfig      `yaml:"zones"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LinkConfig contains accessory gateway connection settings
type LinkConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"` // HTTP timeout for gateway requests

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// PollingConfig contains background polling settings
type PollingConfig struct {
	Tick               Duration `yaml:"tick"`
	FastInterval       Duration `yaml:"fast_interval"`
	SlowInterval       Duration `yaml:"slow_interval"`
	BatchSize          int      `yaml:"batch_size"`
	BootstrapBatchSize int      `yaml:"bootstrap_batch_size"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps"` // Batches per second, 0 = unlimited
}

// OptimisticConfig contains prediction settings. Expired predictions are
// dropped on read.
type OptimisticConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// ControlConfig bounds accepted target temperatures
type ControlConfig struct {
	MinTemperature float64 `yaml:"min_temperature"`
	MaxTemperature float64 `yaml:"max_temperature"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HistoryConfig contains state history retention settings
type HistoryConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"` // 0 = keep forever
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Per-worker queue size (default: 100)
}

// MQTTConfig contains state publishing settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// ZoneConfig seeds one zone of the topology
type ZoneConfig struct {
	Name    string             `yaml:"name"`
	Order   *int               `yaml:"order"`
	Devices []ZoneDeviceConfig `yaml:"devices"`
}

// ZoneDeviceConfig assigns a device to a zone
type ZoneDeviceConfig struct {
	Serial        string `yaml:"serial"`
	Leader        bool   `yaml:"leader"`
	CircuitDriver bool   `yaml:"circuit_driver"`
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./thermd.sqlite"
	}

	// Link defaults
	if cfg.Link.Timeout == 0 {
		cfg.Link.Timeout = Duration(10 * time.Second)
	}
	if cfg.Link.MinRetryBackoff == 0 {
		cfg.Link.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Link.MaxRetryBackoff == 0 {
		cfg.Link.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Link.RetryMultiplier == 0 {
		cfg.Link.RetryMultiplier = 2.0
	}

	// Polling defaults
	if cfg.Polling.Tick == 0 {
		cfg.Polling.Tick = Duration(10 * time.Second)
	}
	if cfg.Polling.FastInterval == 0 {
		cfg.Polling.FastInterval = Duration(60 * time.Second)
	}
	if cfg.Polling.SlowInterval == 0 {
		cfg.Polling.SlowInterval = Duration(120 * time.Second)
	}
	if cfg.Polling.BatchSize == 0 {
		cfg.Polling.BatchSize = 15
	}
	if cfg.Polling.BootstrapBatchSize == 0 {
		cfg.Polling.BootstrapBatchSize = 10
	}
	if cfg.Polling.ReadTimeout == 0 {
		cfg.Polling.ReadTimeout = Duration(10 * time.Second)
	}

	if cfg.Optimistic.Timeout == 0 {
		cfg.Optimistic.Timeout = Duration(10 * time.Second)
	}

	if cfg.Control.MinTemperature == 0 && cfg.Control.MaxTemperature == 0 {
		cfg.Control.MinTemperature = 5
		cfg.Control.MaxTemperature = 30
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}
	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = Duration(24 * time.Hour)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "thermd"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (c *Config) validate() error {
	if c.Link.URL == "" {
		return fmt.Errorf("link.url is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	for name, d := range map[string]Duration{
		"link.timeout":             c.Link.Timeout,
		"polling.tick":             c.Polling.Tick,
		"polling.fast_interval":    c.Polling.FastInterval,
		"polling.slow_interval":    c.Polling.SlowInterval,
		"polling.read_timeout":     c.Polling.ReadTimeout,
		"optimistic.timeout":       c.Optimistic.Timeout,
		"ledger.cleanup_interval":  c.Ledger.CleanupInterval,
		"history.cleanup_interval": c.History.CleanupInterval,
		"shutdown_timeout":         c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Control.MinTemperature >= c.Control.MaxTemperature {
		return fmt.Errorf("control.min_temperature must be below control.max_temperature")
	}
	seen := make(map[string]bool)
	for i, z := range c.Zones {
		if z.Name == "" {
			return fmt.Errorf("zones[%d]: name is required", i)
		}
		if seen[z.Name] {
			return fmt.Errorf("zones[%d]: duplicate zone %q", i, z.Name)
		}
		seen[z.Name] = true
		leaders := 0
		for j, d := range z.Devices {
			if d.Serial == "" {
				return fmt.Errorf("zones[%d].devices[%d]: serial is required", i, j)
			}
			if d.Leader {
				leaders++
			}
		}
		if leaders > 1 {
			return fmt.Errorf("zone %q has more than one leader", z.Name)
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
