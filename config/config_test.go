package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "DATABASE_URL", "JWT_SECRET", "HTTP_ADDR", "REDIS_ADDR", "LOG_FORMAT", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
  max_conns: 4
  sqlite_path: /tmp/exp.db
http:
  addr: ":9090"
  shutdown_timeout: 3s
auth:
  jwt_secret: from-file
outbox:
  interval: 500ms
  batch_size: 10
logging:
  format: json
`), 0o600))

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/exp.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(4), cfg.Store.MaxConns)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.Interval)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched keys keep their defaults
	assert.Equal(t, "expedientes:", cfg.Outbox.KeyPrefix)
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(lookupFrom(map[string]string{
		"STORE_DRIVER":   " Mongo ",
		"MONGO_URI":      "mongodb://localhost:27017/?replicaSet=rs0",
		"MONGO_DATABASE": "cases",
		"STAGE_CATALOG":  "/etc/expedientes/stages.yaml",
		"LOG_LEVEL":      "   ",
	}))

	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "cases", cfg.Store.MongoDatabase)
	assert.Equal(t, "/etc/expedientes/stages.yaml", cfg.Stages.CatalogPath)
	assert.Equal(t, "info", cfg.Logging.Level, "blank values are ignored")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Store.DatabaseURL = "postgres://localhost/expedientes"
	valid.Auth.JWTSecret = "secret"
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"missing database url": func(c *Config) { c.Store.DatabaseURL = "" },
		"missing secret":       func(c *Config) { c.Auth.JWTSecret = "" },
		"unknown driver":       func(c *Config) { c.Store.Driver = "oracle" },
		"mongo without uri":    func(c *Config) { c.Store.Driver = DriverMongo },
		"bad log format":       func(c *Config) { c.Logging.Format = "xml" },
		"negative batch":       func(c *Config) { c.Outbox.BatchSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
