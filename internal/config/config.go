// Package config provides configuration management for the pnl tracker.
// Values come from built-in defaults, an optional TOML file and environment
// variables (including a .env file), in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration decoded from strings like "15s" in TOML files
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(v time.Duration) Duration { return Duration{Duration: v} }

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Store     StoreConfig     `toml:"store"`
	Cache     CacheConfig     `toml:"cache"`
	Recalc    RecalcConfig    `toml:"recalc"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logging   LoggingConfig   `toml:"logging"`
	Sources   SourcesConfig   `toml:"sources"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string   `toml:"port"`
	Host            string   `toml:"host"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string   `toml:"host"`
	Port           string   `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	MaxConnections int      `toml:"max_connections"`
	QueryTimeout   Duration `toml:"query_timeout"`
}

// URL renders the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool   `toml:"enabled"`
	Host           string `toml:"host"`
	Port           string `toml:"port"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	MaxConnections int    `toml:"max_connections"`
}

// StoreConfig selects the snapshot store implementation
type StoreConfig struct {
	Driver  string   `toml:"driver"`
	Timeout Duration `toml:"timeout"`
}

// CacheConfig holds read cache configuration
type CacheConfig struct {
	TTL Duration `toml:"ttl"`
}

// RecalcConfig tunes the recalculation engine
type RecalcConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	LockTTL      Duration `toml:"lock_ttl"`
}

// RateLimitConfig holds per-owner rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int `toml:"requests_per_second"`
	Burst             int `toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SourcesConfig holds balance source defaults
type SourcesConfig struct {
	Defaults []string `toml:"defaults"`
}

// NewDefaultConfig returns the built-in defaults
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ReadTimeout:     dur(15 * time.Second),
			WriteTimeout:    dur(15 * time.Second),
			ShutdownTimeout: dur(10 * time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           "5432",
				Database:       "pnl_tracker",
				User:           "pnl",
				MaxConnections: 20,
				QueryTimeout:   dur(5 * time.Second),
			},
			Redis: RedisConfig{
				Enabled:        true,
				Host:           "localhost",
				Port:           "6379",
				MaxConnections: 20,
			},
		},
		Store: StoreConfig{
			Driver:  StoreDriverPostgres,
			Timeout: dur(5 * time.Second),
		},
		Cache: CacheConfig{
			TTL: dur(30 * time.Second),
		},
		Recalc: RecalcConfig{
			MaxAttempts:  3,
			InitialDelay: dur(100 * time.Millisecond),
			MaxDelay:     dur(2 * time.Second),
			LockTTL:      dur(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sources: SourcesConfig{
			Defaults: []string{"kraken", "bitget", "binance"},
		},
	}
}

// LoadConfig loads configuration from defaults, the optional TOML file named
// by PNL_CONFIG_FILE, a .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; variables can be set directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	config := NewDefaultConfig()

	if path := os.Getenv("PNL_CONFIG_FILE"); path != "" {
		if err := loadFile(config, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.ReadTimeout = dur(getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout.Duration))
	c.Server.WriteTimeout = dur(getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout.Duration))
	c.Server.ShutdownTimeout = dur(getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout.Duration))

	pg := &c.Database.Postgres
	pg.Host = getEnv("POSTGRES_HOST", pg.Host)
	pg.Port = getEnv("POSTGRES_PORT", pg.Port)
	pg.Database = getEnv("POSTGRES_DB", pg.Database)
	pg.User = getEnv("POSTGRES_USER", pg.User)
	pg.Password = getEnv("POSTGRES_PASSWORD", pg.Password)
	pg.MaxConnections = getEnvAsInt("POSTGRES_MAX_CONNECTIONS", pg.MaxConnections)
	pg.QueryTimeout = dur(getEnvAsDuration("POSTGRES_QUERY_TIMEOUT", pg.QueryTimeout.Duration))

	rd := &c.Database.Redis
	rd.Enabled = getEnvAsBool("REDIS_ENABLED", rd.Enabled)
	rd.Host = getEnv("REDIS_HOST", rd.Host)
	rd.Port = getEnv("REDIS_PORT", rd.Port)
	rd.Password = getEnv("REDIS_PASSWORD", rd.Password)
	rd.DB = getEnvAsInt("REDIS_DB", rd.DB)
	rd.MaxConnections = getEnvAsInt("REDIS_MAX_CONNECTIONS", rd.MaxConnections)

	c.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", c.Store.Driver))
	c.Store.Timeout = dur(getEnvAsDuration("STORE_TIMEOUT", c.Store.Timeout.Duration))

	c.Cache.TTL = dur(getEnvAsDuration("CACHE_TTL", c.Cache.TTL.Duration))

	c.Recalc.MaxAttempts = getEnvAsInt("RECALC_MAX_ATTEMPTS", c.Recalc.MaxAttempts)
	c.Recalc.InitialDelay = dur(getEnvAsDuration("RECALC_INITIAL_DELAY", c.Recalc.InitialDelay.Duration))
	c.Recalc.MaxDelay = dur(getEnvAsDuration("RECALC_MAX_DELAY", c.Recalc.MaxDelay.Duration))
	c.Recalc.LockTTL = dur(getEnvAsDuration("RECALC_LOCK_TTL", c.Recalc.LockTTL.Duration))

	c.RateLimit.RequestsPerSecond = getEnvAsInt("RATE_LIMIT_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = getEnvAsInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	if defaults := getEnv("DEFAULT_SOURCES", ""); defaults != "" {
		c.Sources.Defaults = splitList(defaults)
	}
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", c.Store.Driver, StoreDriverPostgres, StoreDriverMemory)
	}
	if c.Store.Timeout.Duration <= 0 {
		return fmt.Errorf("store timeout must be positive, got %v", c.Store.Timeout)
	}
	if c.Recalc.MaxAttempts < 1 {
		return fmt.Errorf("recalc max attempts must be at least 1, got %d", c.Recalc.MaxAttempts)
	}
	if c.Recalc.LockTTL.Duration <= 0 {
		return fmt.Errorf("recalc lock ttl must be positive, got %v", c.Recalc.LockTTL)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
