// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Stages  StagesConfig  `yaml:"stages"`
	Logging LoggingConfig `yaml:"logging"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	DatabaseURL   string `yaml:"database_url"`
	MaxConns      int32  `yaml:"max_conns"`
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// OutboxConfig controls the relay. An empty RedisAddr disables it.
type OutboxConfig struct {
	RedisAddr   string        `yaml:"redis_addr"`
	KeyPrefix   string        `yaml:"key_prefix"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	RunInServer bool          `yaml:"run_in_server"`
}

// StagesConfig points at a catalog file; empty means the built-in catalog.
type StagesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:        DriverPostgres,
			MaxConns:      10,
			SQLitePath:    "expedientes.db",
			MongoDatabase: "expedientes",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Outbox: OutboxConfig{
			KeyPrefix:   "expedientes:",
			Interval:    2 * time.Second,
			BatchSize:   100,
			RunInServer: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (if non-empty) over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("STORE_DRIVER", &c.Store.Driver)
	set("DATABASE_URL", &c.Store.DatabaseURL)
	set("SQLITE_PATH", &c.Store.SQLitePath)
	set("MONGO_URI", &c.Store.MongoURI)
	set("MONGO_DATABASE", &c.Store.MongoDatabase)
	set("HTTP_ADDR", &c.HTTP.Addr)
	set("JWT_SECRET", &c.Auth.JWTSecret)
	set("REDIS_ADDR", &c.Outbox.RedisAddr)
	set("STAGE_CATALOG", &c.Stages.CatalogPath)
	set("LOG_LEVEL", &c.Logging.Level)
	set("LOG_FORMAT", &c.Logging.Format)
	c.Store.Driver = strings.ToLower(c.Store.Driver)
}

// Validate checks the settings needed to serve requests.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required for the sqlite driver"))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if c.Outbox.BatchSize < 0 {
		errs = append(errs, errors.New("outbox batch size must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
