package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration for apex-core.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Reasoner ReasonerConfig `mapstructure:"reasoner"`
	Debate   DebateConfig   `mapstructure:"debate"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	API      APIConfig      `mapstructure:"api"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL/TimescaleDB settings; GetDSN turns
// them into a connection string. Neither binary opens a database from it.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings. No component in this module
// connects to Redis; session state and replay scenarios stay in memory.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the multi-process bus transport settings used when
// a session's Agent Network spans more than one process.
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	EnableJetStream bool   `mapstructure:"enable_jetstream"`
}

// ReasonerConfig selects and configures the Reasoner Port backend an
// agent calls into: the in-process stub for tests and replay-only runs,
// or an HTTP gateway fronting a real model.
type ReasonerConfig struct {
	Backend     string        `mapstructure:"backend"` // "stub" or "httpgateway"
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DebateConfig sets the Debate Engine's default round structure.
type DebateConfig struct {
	MaxRounds          int           `mapstructure:"max_rounds"`
	RoundTimeout       time.Duration `mapstructure:"round_timeout"`
	DeliberationWindow time.Duration `mapstructure:"deliberation_window"`
	ConsensusThreshold float64       `mapstructure:"consensus_threshold"`
	MinTradeNotional   float64       `mapstructure:"min_trade_notional"`
}

// RiskConfig sets the Risk Engine's Monte Carlo and stress-test defaults.
type RiskConfig struct {
	Seed        uint64  `mapstructure:"seed"`
	Paths       int     `mapstructure:"paths"`
	Alpha       float64 `mapstructure:"alpha"`
	Workers     int     `mapstructure:"workers"`
	MaxPosition float64 `mapstructure:"max_position"` // fraction of portfolio equity
	MaxDrawdown float64 `mapstructure:"max_drawdown"`
}

// ReplayConfig holds a default replay speed and bar interval. The Replay
// Driver takes its speed and interval as arguments and does not read them.
type ReplayConfig struct {
	DefaultSpeed       float64       `mapstructure:"default_speed"`
	DefaultBarInterval time.Duration `mapstructure:"default_bar_interval"`
}

// APIConfig contains the control-surface REST/WebSocket server settings.
type APIConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
}

// MonitoringConfig contains Prometheus exporter settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("APEX")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the loaded configuration for values that would make a
// session unrunnable rather than merely suboptimal.
func (c *Config) Validate() error {
	switch c.Reasoner.Backend {
	case "stub", "httpgateway":
	default:
		return fmt.Errorf("config: reasoner.backend must be \"stub\" or \"httpgateway\", got %q", c.Reasoner.Backend)
	}
	if c.Reasoner.Backend == "httpgateway" && c.Reasoner.Endpoint == "" {
		return fmt.Errorf("config: reasoner.endpoint is required when reasoner.backend is \"httpgateway\"")
	}
	if c.Debate.ConsensusThreshold < 0 || c.Debate.ConsensusThreshold > 1 {
		return fmt.Errorf("config: debate.consensus_threshold must be in [0,1], got %f", c.Debate.ConsensusThreshold)
	}
	if c.Risk.Alpha <= 0 || c.Risk.Alpha >= 1 {
		return fmt.Errorf("config: risk.alpha must be in (0,1), got %f", c.Risk.Alpha)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "apex-core")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "apex")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.enable_jetstream", true)

	v.SetDefault("reasoner.backend", "stub")
	v.SetDefault("reasoner.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("reasoner.model", "claude-sonnet-4-20250514")
	v.SetDefault("reasoner.temperature", 0.7)
	v.SetDefault("reasoner.max_tokens", 2000)
	v.SetDefault("reasoner.timeout", 30*time.Second)

	v.SetDefault("debate.max_rounds", 3)
	v.SetDefault("debate.round_timeout", 45*time.Second)
	v.SetDefault("debate.deliberation_window", 5*time.Second)
	v.SetDefault("debate.consensus_threshold", 0.7)
	v.SetDefault("debate.min_trade_notional", 50.0)

	v.SetDefault("risk.seed", 42)
	v.SetDefault("risk.paths", 10000)
	v.SetDefault("risk.alpha", 0.95)
	v.SetDefault("risk.workers", 0)
	v.SetDefault("risk.max_position", 0.1)
	v.SetDefault("risk.max_drawdown", 0.1)

	v.SetDefault("replay.default_speed", 1.0)
	v.SetDefault("replay.default_bar_interval", time.Second)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.orchestrator_url", "http://localhost:8081")

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
