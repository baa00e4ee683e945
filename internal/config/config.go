// Package config loads engine settings from defaults, an optional YAML
// file, an optional .env file and the process environment, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Limits     LimitsConfig     `yaml:"limits"`
	Regulatory RegulatoryConfig `yaml:"regulatory"`
	Settlement SettlementConfig `yaml:"settlement"`
	Margin     MarginConfig     `yaml:"margin"`
	Engine     EngineConfig     `yaml:"engine"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	// DatabaseURL selects PostgreSQL. SQLitePath selects a local file.
	// With neither, artifacts live in memory.
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	OutboxPath  string        `yaml:"outbox_path"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LimitsConfig struct {
	CreditPerCounterparty float64            `yaml:"credit_per_counterparty"`
	CreditCorrelated      float64            `yaml:"credit_correlated"`
	MarketRiskDefault     float64            `yaml:"market_risk_default"`
	MarketRisk            map[string]float64 `yaml:"market_risk"`
	MaxLiveTrades         int                `yaml:"max_live_trades"`
}

type RegulatoryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type SettlementConfig struct {
	PremiumRate    float64       `yaml:"premium_rate"`
	FloatingFixing float64       `yaml:"floating_fixing"`
	Horizon        time.Duration `yaml:"horizon"`
}

type MarginConfig struct {
	Currency string `yaml:"currency"`
}

type EngineConfig struct {
	// Seed drives every placeholder random source. Zero draws a fresh seed.
	Seed                int64         `yaml:"seed"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			JoinTimeout:  30 * time.Second,
			WriteTimeout: 45 * time.Second,
		},
		Storage: StorageConfig{
			CacheTTL:   30 * time.Second,
			OutboxPath: "data/outbox.db",
		},
		Kafka: KafkaConfig{Topic: "trade-lifecycle"},
		Limits: LimitsConfig{
			CreditPerCounterparty: 500_000_000,
			CreditCorrelated:      2_000_000_000,
			MaxLiveTrades:         10_000,
		},
		Regulatory: RegulatoryConfig{
			MaxAttempts: 3,
			BaseBackoff: 100 * time.Millisecond,
			RetryDelay:  time.Minute,
		},
		Settlement: SettlementConfig{
			PremiumRate:    0.01,
			FloatingFixing: 0.05,
			Horizon:        30 * 24 * time.Hour,
		},
		Margin: MarginConfig{Currency: "USD"},
		Engine: EngineConfig{MaintenanceInterval: time.Minute},
		Log:    LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty. A .env file in the
// working directory is loaded when present; variables already set in the
// environment are not overwritten by it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Storage.RedisURL, "REDIS_URL")
	setString(&c.Storage.OutboxPath, "OUTBOX_PATH")
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v := os.Getenv("JOIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JOIN_TIMEOUT: %w", err)
		}
		c.Server.JoinTimeout = d
	}
	if v := os.Getenv("ENGINE_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_SEED: %w", err)
		}
		c.Engine.Seed = seed
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port must be numeric, got %q", c.Server.Port))
	}
	if c.Server.JoinTimeout <= 0 {
		errs = append(errs, errors.New("server.join_timeout must be positive"))
	}
	if c.Storage.DatabaseURL != "" && c.Storage.SQLitePath != "" {
		errs = append(errs, errors.New("storage.database_url and storage.sqlite_path are mutually exclusive"))
	}
	if c.Storage.RedisURL != "" && c.Storage.DatabaseURL == "" && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.redis_url requires a database"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Limits.CreditPerCounterparty < 0 || c.Limits.CreditCorrelated < 0 || c.Limits.MarketRiskDefault < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.MaxLiveTrades < 0 {
		errs = append(errs, errors.New("limits.max_live_trades must not be negative"))
	}
	if c.Regulatory.MaxAttempts < 1 {
		errs = append(errs, errors.New("regulatory.max_attempts must be at least 1"))
	}
	if c.Settlement.PremiumRate < 0 {
		errs = append(errs, errors.New("settlement.premium_rate must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", name)
	}
	return level, nil
}
