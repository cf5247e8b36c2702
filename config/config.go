/*
config.go - Server configuration

PURPOSE:
  One Config struct for cmd/server. Layers, lowest precedence first:

    1. Defaults (Default)
    2. YAML file (-config flag or COMMISSION_CONFIG)
    3. Environment variables (a .env file is loaded first if present)
    4. Command-line flags (applied by cmd/server)

ENVIRONMENT:
  COMMISSION_HTTP_PORT     HTTP port
  COMMISSION_DB_DRIVER     "sqlite" or "postgres"
  COMMISSION_DB_DSN        file path (sqlite) or connection string (postgres)
  COMMISSION_JWT_SECRET    HS256 secret; empty disables auth
  COMMISSION_TIMEZONE      IANA zone used for period keys
  COMMISSION_LOG_LEVEL     debug | info | warn | error
  COMMISSION_LOG_FORMAT    json | console
  COMMISSION_CORS_ORIGINS  comma-separated allowed origins
  COMMISSION_DEMO          "true" enables the demo loader routes
  COMMISSION_AUDIT_INTERVAL  ledger audit period (e.g. "1h"); "0" disables it
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	TimeZone string         `yaml:"timezone"`
	Demo     bool           `yaml:"demo"`

	// AuditInterval is the period of the background ledger audit.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

// HTTPConfig defines the listener.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds the token secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "commission.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		TimeZone:      "UTC",
		AuditInterval: time.Hour,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("COMMISSION_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if value := os.Getenv("COMMISSION_HTTP_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: COMMISSION_HTTP_PORT: %w", err)
		}
		cfg.HTTP.Port = port
	}
	cfg.Database.Driver = getenvDefault("COMMISSION_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getenvDefault("COMMISSION_DB_DSN", cfg.Database.DSN)
	cfg.Auth.JWTSecret = getenvDefault("COMMISSION_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.TimeZone = getenvDefault("COMMISSION_TIMEZONE", cfg.TimeZone)
	cfg.Log.Level = getenvDefault("COMMISSION_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("COMMISSION_LOG_FORMAT", cfg.Log.Format)
	if origins := splitCSV(os.Getenv("COMMISSION_CORS_ORIGINS")); len(origins) > 0 {
		cfg.HTTP.CORSOrigins = origins
	}
	if value := os.Getenv("COMMISSION_DEMO"); value != "" {
		demo, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: COMMISSION_DEMO: %w", err)
		}
		cfg.Demo = demo
	}
	if value := os.Getenv("COMMISSION_AUDIT_INTERVAL"); value != "" {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: COMMISSION_AUDIT_INTERVAL: %w", err)
		}
		cfg.AuditInterval = interval
	}
	return nil
}

// Validate checks the fields the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid port %d", c.HTTP.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("config: unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database dsn required"))
	}
	if c.AuditInterval < 0 {
		errs = append(errs, fmt.Errorf("config: negative audit interval %s", c.AuditInterval))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves TimeZone. Empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
