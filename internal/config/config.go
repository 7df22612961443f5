// Package config loads typed service configuration from the environment,
// with an optional YAML file providing defaults underneath.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers accepted by StoreConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreConfig selects and parameterises the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PassConfig points at the PASS proposal system.
type PassConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// UPSConfig points at the universal proposal system's ServiceNow instance.
type UPSConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PeopleConfig points at the laboratory people directory.
type PeopleConfig struct {
	BaseURL string `yaml:"base_url"`
}

// DirectoryConfig points at the group membership directory service.
type DirectoryConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	LogLevel     string          `yaml:"log_level"`
	Store        StoreConfig     `yaml:"store"`
	PASS         PassConfig      `yaml:"pass"`
	UPS          UPSConfig       `yaml:"ups"`
	People       PeopleConfig    `yaml:"people"`
	Directory    DirectoryConfig `yaml:"directory"`
	JobPoll      time.Duration   `yaml:"job_poll_interval"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
}

func defaults() Config {
	return Config{
		ListenAddr:   ":8080",
		LogLevel:     "info",
		Store:        StoreConfig{Driver: DriverMemory},
		PASS:         PassConfig{BaseURL: "https://passservices.bnl.gov/passapi"},
		JobPoll:      time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by FACILITYAPI_CONFIG, and FACILITYAPI_* environment variables, in that
// order of precedence.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("FACILITYAPI_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(target *string, key string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	setString(&cfg.ListenAddr, "FACILITYAPI_LISTEN_ADDR")
	setString(&cfg.LogLevel, "FACILITYAPI_LOG_LEVEL")
	setString(&cfg.Store.Driver, "FACILITYAPI_STORE_DRIVER")
	setString(&cfg.Store.DSN, "FACILITYAPI_STORE_DSN")
	setString(&cfg.PASS.BaseURL, "FACILITYAPI_PASS_URL")
	setString(&cfg.PASS.APIKey, "FACILITYAPI_PASS_API_KEY")
	setString(&cfg.UPS.BaseURL, "FACILITYAPI_UPS_URL")
	setString(&cfg.UPS.Username, "FACILITYAPI_UPS_USERNAME")
	setString(&cfg.UPS.Password, "FACILITYAPI_UPS_PASSWORD")
	setString(&cfg.People.BaseURL, "FACILITYAPI_PEOPLE_URL")
	setString(&cfg.Directory.BaseURL, "FACILITYAPI_DIRECTORY_URL")
	if v := os.Getenv("FACILITYAPI_JOB_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JobPoll = d
		}
	}
}

// SlogLevel maps the configured log level to a slog level. Unknown values
// fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate rejects configurations that cannot start a working service.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address required")
	}
	if c.JobPoll <= 0 {
		return fmt.Errorf("job poll interval must be positive")
	}
	return nil
}
