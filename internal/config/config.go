// Package config loads colonnade's runtime configuration from a YAML file,
// COLONNADE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: COLONNADE_STORE_HOSTS -> store.hosts.
const EnvPrefix = "COLONNADE"

// Config is the full runtime configuration.
type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Engine EngineConfig `mapstructure:"engine"`
	Keys   KeysConfig   `mapstructure:"keys"`
	Delete DeleteConfig `mapstructure:"delete"`
	Log    LogConfig    `mapstructure:"log"`
	HTTP   HTTPConfig   `mapstructure:"http"`
}

// StoreConfig selects and configures the column-store backend.
type StoreConfig struct {
	// Backend is "cql" (Cassandra) or "dynamo" (DynamoDB PartiQL).
	Backend  string   `mapstructure:"backend"`
	Hosts    []string `mapstructure:"hosts"`
	Keyspace string   `mapstructure:"keyspace"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`

	// Consistency is the acknowledgement level of table writes.
	Consistency string `mapstructure:"consistency"`

	// Region and Endpoint configure the DynamoDB client; empty uses the AWS defaults.
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`

	BatchSize int     `mapstructure:"batchsize"`
	Rate      float64 `mapstructure:"rate"`
}

// EngineConfig configures the query engine.
type EngineConfig struct {
	DSN string `mapstructure:"dsn"`
}

// KeysConfig names the key column and the counter table.
type KeysConfig struct {
	Column  string `mapstructure:"column"`
	Counter string `mapstructure:"counter"`
}

// DeleteConfig tunes delete-via-overwrite.
type DeleteConfig struct {
	Verify bool `mapstructure:"verify"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures `colonnade serve`.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Defaults registers every key with its default. Registering all keys lets
// AutomaticEnv resolve environment variables during Unmarshal.
func Defaults(v *viper.Viper) {
	v.SetDefault("store.backend", "cql")
	v.SetDefault("store.hosts", []string{"127.0.0.1"})
	v.SetDefault("store.keyspace", "")
	v.SetDefault("store.username", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.consistency", "ONE")
	v.SetDefault("store.region", "")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.batchsize", 100)
	v.SetDefault("store.rate", 0)
	v.SetDefault("engine.dsn", ":memory:")
	v.SetDefault("keys.column", "pk")
	v.SetDefault("keys.counter", "nextpk")
	v.SetDefault("delete.verify", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
}

// Load reads configuration into a Config. path names a config file; when
// empty, colonnade.yaml is looked up in the working directory and is optional.
func Load(v *viper.Viper, path string) (*Config, error) {
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("colonnade")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
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

// Validate normalizes the config and rejects unusable values.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case "cql", "dynamo":
	default:
		return fmt.Errorf("unknown store backend %q (want cql or dynamo)", c.Store.Backend)
	}
	if c.Store.Backend == "cql" && len(c.Store.Hosts) == 0 {
		return errors.New("store.hosts is required for the cql backend")
	}
	c.Store.Consistency = strings.ToUpper(strings.TrimSpace(c.Store.Consistency))

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the slog.Logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
