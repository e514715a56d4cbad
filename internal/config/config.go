// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: YAML with env var expansion, duration parsing, and COVEN_RELAY_* overrides

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete coven-relay configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Broker    BrokerConfig    `yaml:"broker"`
	Registry  RegistryConfig  `yaml:"registry"`
	Sender    SenderConfig    `yaml:"sender"`
	Agent     AgentConfig     `yaml:"agent"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig holds the Redis connection settings.
type TransportConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`

	// MaxConnections sizes the client pool.
	MaxConnections int `yaml:"max_connections"`
}

// BrokerConfig holds delivery and persistence tuning.
type BrokerConfig struct {
	RetryAttempts     int  `yaml:"retry_attempts"`
	EnablePersistence bool `yaml:"enable_persistence"`

	RetryDelay          time.Duration `yaml:"-"`
	MessageTTL          time.Duration `yaml:"-"`
	HealthCheckInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryDelayRaw          string `yaml:"retry_delay"`
	MessageTTLRaw          string `yaml:"message_ttl"`
	HealthCheckIntervalRaw string `yaml:"health_check_interval"`
}

// RegistryConfig holds liveness tuning and the snapshot location. The sweep
// period is broker.health_check_interval; the registry carries no separate
// interval knob.
type RegistryConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`

	AgentTimeout time.Duration `yaml:"-"`

	AgentTimeoutRaw string `yaml:"agent_timeout"`
}

// SenderConfig holds outbound send tuning.
type SenderConfig struct {
	MaxRetries int `yaml:"max_retries"`

	Timeout    time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`

	TimeoutRaw    string `yaml:"timeout"`
	RetryDelayRaw string `yaml:"retry_delay"`
}

// AgentConfig is the identity the serve subcommand registers and runs.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	UserName     string   `yaml:"user_name"`
	Role         string   `yaml:"role"`
	Department   string   `yaml:"department"`
	Capabilities []string `yaml:"capabilities"`
	Intents      []string `yaml:"intents"`
	QueueSize    int      `yaml:"queue_size"`

	HeartbeatInterval time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// HistoryConfig holds the optional audit log settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment says
// otherwise.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:            "redis://localhost:6379/0",
			MaxConnections: 10,
		},
		Broker: BrokerConfig{
			RetryAttempts:       3,
			RetryDelay:          500 * time.Millisecond,
			MessageTTL:          time.Hour,
			EnablePersistence:   true,
			HealthCheckInterval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			AgentTimeout: 90 * time.Second,
		},
		Sender: SenderConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		Agent: AgentConfig{
			QueueSize:         256,
			HeartbeatInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file, expands ${VAR} references, parses
// duration strings, applies COVEN_RELAY_* overrides, and validates. An empty
// path returns defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults and COVEN_RELAY_* variables
// alone, for deployments that carry no config file.
func FromEnv() (*Config, error) {
	return Load("")
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.Transport.MaxConnections <= 0 {
		return fmt.Errorf("transport.max_connections must be positive")
	}
	if c.Broker.RetryAttempts <= 0 {
		return fmt.Errorf("broker.retry_attempts must be positive")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.retry_delay", cfg.Broker.RetryDelayRaw, &cfg.Broker.RetryDelay},
		{"broker.message_ttl", cfg.Broker.MessageTTLRaw, &cfg.Broker.MessageTTL},
		{"broker.health_check_interval", cfg.Broker.HealthCheckIntervalRaw, &cfg.Broker.HealthCheckInterval},
		{"registry.agent_timeout", cfg.Registry.AgentTimeoutRaw, &cfg.Registry.AgentTimeout},
		{"sender.timeout", cfg.Sender.TimeoutRaw, &cfg.Sender.Timeout},
		{"sender.retry_delay", cfg.Sender.RetryDelayRaw, &cfg.Sender.RetryDelay},
		{"agent.heartbeat_interval", cfg.Agent.HeartbeatIntervalRaw, &cfg.Agent.HeartbeatInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyEnv overrides configuration with COVEN_RELAY_* variables. The
// environment wins over the file so deployments can tweak one knob without
// templating YAML.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("COVEN_RELAY_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if err := envInt("COVEN_RELAY_MAX_CONNECTIONS", &cfg.Transport.MaxConnections); err != nil {
		return err
	}
	if err := envInt("COVEN_RELAY_RETRY_ATTEMPTS", &cfg.Broker.RetryAttempts); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_RETRY_DELAY", &cfg.Broker.RetryDelay); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_MESSAGE_TTL", &cfg.Broker.MessageTTL); err != nil {
		return err
	}
	if err := envBool("COVEN_RELAY_ENABLE_PERSISTENCE", &cfg.Broker.EnablePersistence); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_HEALTH_CHECK_INTERVAL", &cfg.Broker.HealthCheckInterval); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_AGENT_TIMEOUT", &cfg.Registry.AgentTimeout); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_HEARTBEAT_INTERVAL", &cfg.Agent.HeartbeatInterval); err != nil {
		return err
	}
	if err := envDuration("COVEN_RELAY_SENDER_TIMEOUT", &cfg.Sender.Timeout); err != nil {
		return err
	}
	if err := envInt("COVEN_RELAY_MAX_RETRIES", &cfg.Sender.MaxRetries); err != nil {
		return err
	}
	if v := os.Getenv("COVEN_RELAY_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, v, err)
	}
	*dst = b
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, v, err)
	}
	*dst = d
	return nil
}
