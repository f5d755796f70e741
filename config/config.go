/*
Package config loads server configuration and builds the logger.

SOURCES (later wins):
  1. built-in defaults
  2. optional config file (-config; yaml, toml or json by extension)
  3. .env in the working directory (loaded into the environment)
  4. ACCRUAL_* environment variables, "." replaced by "_"
     e.g. ACCRUAL_DATABASE_DSN, ACCRUAL_ENGINE_NAME_MATCH
  5. command-line flags applied by cmd/server

KEYS:
  server.port, server.cors_origins, server.shutdown_timeout
  database.driver (sqlite3 | pgx), database.dsn
  engine.fallback_month, engine.name_match, engine.ingest_batch_size,
  engine.cache_ttl
  scheduler.enabled, scheduler.materialize_cron
  log.level, log.format (json | console)
  openai.api_key, openai.model
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/warp/accrual-engine/accrual"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "ACCRUAL"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type EngineConfig struct {
	FallbackMonth   string        `mapstructure:"fallback_month"`
	NameMatch       string        `mapstructure:"name_match"`
	IngestBatchSize int           `mapstructure:"ingest_batch_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaterializeCron string `mapstructure:"materialize_cron"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "accruals.db")

	v.SetDefault("engine.fallback_month", "Jan 2026")
	v.SetDefault("engine.name_match", string(accrual.NameMatchSubstring))
	v.SetDefault("engine.ingest_batch_size", accrual.DefaultBatchSize)
	v.SetDefault("engine.cache_ttl", accrual.DefaultCacheTTL)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.materialize_cron", "0 2 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o")
}

// Load reads configuration. path may be empty; a missing .env is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes the driver name and checks values the engine parses.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "sqlite3":
		c.Database.Driver = "sqlite3"
	case "pgx", "postgres", "postgresql":
		c.Database.Driver = "pgx"
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if _, err := accrual.ParseProcessingMonth(c.Engine.FallbackMonth); err != nil {
		return fmt.Errorf("engine.fallback_month: %w", err)
	}
	if _, ok := accrual.ParseNameMatchPolicy(c.Engine.NameMatch); !ok {
		return fmt.Errorf("engine.name_match: unknown policy %q", c.Engine.NameMatch)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// EngineOptions maps the engine section onto accrual.Options. Call after
// Validate.
func (c *Config) EngineOptions(log *zerolog.Logger) accrual.Options {
	month, _ := accrual.ParseProcessingMonth(c.Engine.FallbackMonth)
	policy, _ := accrual.ParseNameMatchPolicy(c.Engine.NameMatch)
	return accrual.Options{
		Logger:        log,
		FallbackMonth: month,
		NameMatch:     policy,
		CacheTTL:      c.Engine.CacheTTL,
	}
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(cfg LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "accrual-engine").Logger()
}
