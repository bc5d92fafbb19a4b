// Package config loads server configuration from an optional YAML file with
// environment overrides. Every key has a default; a missing config file is
// not an error.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig tunes the HTTP listener and the websocket hub
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the version store backend. An empty DSN means the
// in-memory store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig selects the presence backend. An empty address means the
// in-memory tracker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig tunes collaboration behavior
type SessionConfig struct {
	PresenceTTL     time.Duration `mapstructure:"presence_ttl"`
	ConflictPolicy  string        `mapstructure:"conflict_policy"`
	RecordConflicts bool          `mapstructure:"record_conflicts"`
}

// LoggingConfig tunes the structured logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Prefix string `mapstructure:"prefix"`
}

// Load reads configuration from path (optional), then applies environment
// overrides with the COLLAB_ prefix, e.g. COLLAB_SERVER_LISTEN_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.max_message_size", 1<<20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("session.presence_ttl", time.Hour)
	v.SetDefault("session.conflict_policy", "theirs")
	v.SetDefault("session.record_conflicts", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.prefix", "collab-sync")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
