// ABOUTME: Configuration loading and parsing for coven-fleet
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-fleet configuration. Zero values
// mean "use the component's default": each package (store, registry,
// spawner, fleet, runner) fills in its own defaults, so a minimal config
// file, or none at all, is a working setup.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Spawner  SpawnerConfig  `yaml:"spawner"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Runner   RunnerConfig   `yaml:"runner"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig holds connection parameters for the shared store
type StoreConfig struct {
	URL string `yaml:"url"`

	DialTimeout  time.Duration `yaml:"-"`
	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DialTimeoutRaw  string `yaml:"dial_timeout"`
	ReadTimeoutRaw  string `yaml:"read_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// RegistryConfig holds agent registry tuning
type RegistryConfig struct {
	HeartbeatTTL time.Duration `yaml:"-"`

	HeartbeatTTLRaw string `yaml:"heartbeat_ttl"`
}

// SpawnerConfig holds container runtime and domain container settings
type SpawnerConfig struct {
	// Host overrides the container runtime endpoint; empty follows
	// DOCKER_HOST and the rest of the standard environment.
	Host string `yaml:"host"`

	Image        string  `yaml:"image"`
	Network      string  `yaml:"network"`
	MemoryLimit  string  `yaml:"memory_limit"`
	CPULimit     float64 `yaml:"cpu_limit"`
	StoreURL     string  `yaml:"store_url"`
	WorkspaceDir string  `yaml:"workspace_dir"`
	TemplateDir  string  `yaml:"template_dir"`
	APIKey       string  `yaml:"api_key"`

	StartTimeout time.Duration `yaml:"-"`
	StopTimeout  time.Duration `yaml:"-"`

	StartTimeoutRaw string `yaml:"start_timeout"`
	StopTimeoutRaw  string `yaml:"stop_timeout"`
}

// FleetConfig holds coordinator and reaper timing
type FleetConfig struct {
	ReapInterval    time.Duration `yaml:"-"`
	EnsureTimeout   time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`
	PollInterval    time.Duration `yaml:"-"`

	ReapIntervalRaw    string `yaml:"reap_interval"`
	EnsureTimeoutRaw   string `yaml:"ensure_timeout"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
	PollIntervalRaw    string `yaml:"poll_interval"`
}

// RunnerConfig holds domain runner settings. AGENT_ID, DOMAIN_TYPE and
// REDIS_URL environment variables override these inside a container.
type RunnerConfig struct {
	AgentID      string `yaml:"agent_id"`
	DomainType   string `yaml:"domain_type"`
	TemplatePath string `yaml:"template_path"`
	ClaudeBin    string `yaml:"claude_bin"`

	NextWait time.Duration `yaml:"-"`

	NextWaitRaw string `yaml:"next_wait"`
}

// Default returns the baseline configuration used when no config file is
// given. Component-level settings stay zero so each package applies its
// own defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config on top of Default(). Environment variables in the format
// ${VAR_NAME} are expanded. Duration strings are parsed into time.Duration
// values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configured fields carry usable values.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Spawner.CPULimit < 0 {
		return fmt.Errorf("spawner.cpu_limit must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"store.dial_timeout":     c.Store.DialTimeout,
		"store.read_timeout":     c.Store.ReadTimeout,
		"store.write_timeout":    c.Store.WriteTimeout,
		"registry.heartbeat_ttl": c.Registry.HeartbeatTTL,
		"spawner.start_timeout":  c.Spawner.StartTimeout,
		"spawner.stop_timeout":   c.Spawner.StopTimeout,
		"fleet.reap_interval":    c.Fleet.ReapInterval,
		"fleet.ensure_timeout":   c.Fleet.EnsureTimeout,
		"fleet.dispatch_timeout": c.Fleet.DispatchTimeout,
		"fleet.poll_interval":    c.Fleet.PollInterval,
		"runner.next_wait":       c.Runner.NextWait,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.dial_timeout", cfg.Store.DialTimeoutRaw, &cfg.Store.DialTimeout},
		{"store.read_timeout", cfg.Store.ReadTimeoutRaw, &cfg.Store.ReadTimeout},
		{"store.write_timeout", cfg.Store.WriteTimeoutRaw, &cfg.Store.WriteTimeout},
		{"registry.heartbeat_ttl", cfg.Registry.HeartbeatTTLRaw, &cfg.Registry.HeartbeatTTL},
		{"spawner.start_timeout", cfg.Spawner.StartTimeoutRaw, &cfg.Spawner.StartTimeout},
		{"spawner.stop_timeout", cfg.Spawner.StopTimeoutRaw, &cfg.Spawner.StopTimeout},
		{"fleet.reap_interval", cfg.Fleet.ReapIntervalRaw, &cfg.Fleet.ReapInterval},
		{"fleet.ensure_timeout", cfg.Fleet.EnsureTimeoutRaw, &cfg.Fleet.EnsureTimeout},
		{"fleet.dispatch_timeout", cfg.Fleet.DispatchTimeoutRaw, &cfg.Fleet.DispatchTimeout},
		{"fleet.poll_interval", cfg.Fleet.PollIntervalRaw, &cfg.Fleet.PollInterval},
		{"runner.next_wait", cfg.Runner.NextWaitRaw, &cfg.Runner.NextWait},
	} {
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
