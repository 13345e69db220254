package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway        GatewayConfig        `yaml:"gateway"`
	Cache          CacheConfig          `yaml:"cache"`
	Router         RouterConfig         `yaml:"router"`
	Sources        []SourceConfig       `yaml:"sources"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Events         EventsConfig         `yaml:"events"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	Logging        LoggingConfig        `yaml:"logging"`
}

type GatewayConfig struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	L1MaxEntries         int           `yaml:"l1_max_entries"`
	L2MaxBytes           int64         `yaml:"l2_max_bytes"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
}

type RouterConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Name           string   `yaml:"name"`
	Priority       int      `yaml:"priority"`
	Enabled        bool     `yaml:"enabled"`
	DataTypes      []string `yaml:"data_types"`
	Symbols        []string `yaml:"symbols"`
	SymbolPatterns []string `yaml:"symbol_patterns"`
	TargetSources  []string `yaml:"target_sources"`
	Condition      string   `yaml:"condition"`
}

type SourceConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // binance | http | stream | replay
	BaseURL string            `yaml:"base_url"`
	FeedURL string            `yaml:"feed_url"`
	APIKey  string            `yaml:"api_key"`
	Secret  string            `yaml:"secret"`
	Headers map[string]string `yaml:"headers"`
	Symbols []string          `yaml:"symbols"`
	Timeout time.Duration     `yaml:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	CloudWatch    CloudWatchConfig       `yaml:"cloudwatch"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Gateway: GatewayConfig{
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			L1MaxEntries:         1000,
			L2MaxBytes:           64 * 1024 * 1024,
			DefaultTTL:           5 * time.Minute,
			CompressionThreshold: 1024,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	for i := range config.Sources {
		prefix := strings.ToUpper(strings.ReplaceAll(config.Sources[i].Name, "-", "_"))
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			config.Sources[i].APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_SECRET"); v != "" {
			config.Sources[i].Secret = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Logging.CloudWatch.Region == "" {
		config.Logging.CloudWatch.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}

	if cfg.Gateway.Version == "" {
		return fmt.Errorf("gateway.version is required")
	}

	if cfg.Cache.L1MaxEntries <= 0 {
		return fmt.Errorf("cache.l1_max_entries must be greater than 0")
	}
	if cfg.Cache.L2MaxBytes <= 0 {
		return fmt.Errorf("cache.l2_max_bytes must be greater than 0")
	}
	if cfg.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must not be negative")
	}

	seenSources := make(map[string]struct{}, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[].name is required")
		}
		if _, dup := seenSources[src.Name]; dup {
			return fmt.Errorf("duplicate source name '%s'", src.Name)
		}
		seenSources[src.Name] = struct{}{}
		switch src.Kind {
		case "binance", "http", "stream", "replay":
		default:
			return fmt.Errorf("source '%s' has unknown kind '%s'", src.Name, src.Kind)
		}
	}

	seenRules := make(map[string]struct{}, len(cfg.Router.Rules))
	for _, rule := range cfg.Router.Rules {
		if rule.Name == "" {
			return fmt.Errorf("router.rules[].name is required")
		}
		if _, dup := seenRules[rule.Name]; dup {
			return fmt.Errorf("duplicate rule name '%s'", rule.Name)
		}
		seenRules[rule.Name] = struct{}{}
		if len(rule.TargetSources) == 0 {
			return fmt.Errorf("rule '%s' has no target sources", rule.Name)
		}
	}

	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
		}
		if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
			return fmt.Errorf("circuit_breaker.recovery_timeout must be greater than 0")
		}
	}

	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}
