// Package config loads server settings from defaults, an optional config
// file and COLLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "COLLAB"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Accounts AccountsConfig `mapstructure:"accounts"`
	Session  SessionConfig  `mapstructure:"session"`
	WS       WSConfig       `mapstructure:"ws"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Per client IP; zero disables.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst"`
}

// StoreConfig selects the durable project store.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type AccountsConfig struct {
	Driver    string        `mapstructure:"driver"`
	DSN       string        `mapstructure:"dsn"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type SessionConfig struct {
	SaveDebounce  time.Duration `mapstructure:"save_debounce"`
	SaveMaxWait   time.Duration `mapstructure:"save_max_wait"`
	SaveTimeout   time.Duration `mapstructure:"save_timeout"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type WSConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
	MaxViolations     int     `mapstructure:"max_violations"`
	SendBuffer        int     `mapstructure:"send_buffer"`
	MaxMessageBytes   int64   `mapstructure:"max_message_bytes"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			AllowedOrigins:    []string{"*"},
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerSecond: 20,
			RequestBurst:      40,
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			SQLitePath:    "./data/projects.db",
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "collab",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "collab",
		},
		Accounts: AccountsConfig{
			Driver:   "sqlite",
			DSN:      "./data/accounts.db",
			TokenTTL: 24 * time.Hour,
		},
		Session: SessionConfig{
			SaveDebounce:  time.Second,
			SaveMaxWait:   10 * time.Second,
			SaveTimeout:   5 * time.Second,
			IdleTTL:       30 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		WS: WSConfig{
			MessagesPerSecond: 100,
			MessageBurst:      200,
			MaxViolations:     1000,
			SendBuffer:        512,
			MaxMessageBytes:   1024 * 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.requests_per_second", d.Server.RequestsPerSecond)
	v.SetDefault("server.request_burst", d.Server.RequestBurst)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_prefix", d.Store.RedisPrefix)
	v.SetDefault("store.mongo_uri", d.Store.MongoURI)
	v.SetDefault("store.mongo_database", d.Store.MongoDatabase)

	v.SetDefault("accounts.driver", d.Accounts.Driver)
	v.SetDefault("accounts.dsn", d.Accounts.DSN)
	v.SetDefault("accounts.jwt_secret", d.Accounts.JWTSecret)
	v.SetDefault("accounts.token_ttl", d.Accounts.TokenTTL)

	v.SetDefault("session.save_debounce", d.Session.SaveDebounce)
	v.SetDefault("session.save_max_wait", d.Session.SaveMaxWait)
	v.SetDefault("session.save_timeout", d.Session.SaveTimeout)
	v.SetDefault("session.idle_ttl", d.Session.IdleTTL)
	v.SetDefault("session.sweep_schedule", d.Session.SweepSchedule)

	v.SetDefault("ws.messages_per_second", d.WS.MessagesPerSecond)
	v.SetDefault("ws.message_burst", d.WS.MessageBurst)
	v.SetDefault("ws.max_violations", d.WS.MaxViolations)
	v.SetDefault("ws.send_buffer", d.WS.SendBuffer)
	v.SetDefault("ws.max_message_bytes", d.WS.MaxMessageBytes)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}

// Load reads settings in increasing precedence: defaults, the file at
// path (when non-empty), then the environment. COLLAB_STORE_DRIVER sets
// store.driver.
func Load(path string) (*Config, error) {
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
	return &cfg, nil
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "redis", "mongo", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, redis, mongo or memory, got %q", c.Store.Driver)
	}
	switch c.Accounts.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("accounts.driver must be sqlite or postgres, got %q", c.Accounts.Driver)
	}
	if c.Accounts.JWTSecret == "" {
		return errors.New("accounts.jwt_secret is required")
	}
	if c.Session.SaveDebounce <= 0 {
		return errors.New("session.save_debounce must be positive")
	}
	if c.Session.SaveMaxWait != 0 && c.Session.SaveMaxWait < c.Session.SaveDebounce {
		return errors.New("session.save_max_wait must not be shorter than session.save_debounce")
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("ws.send_buffer must be positive")
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.MessageBurst <= 0 {
		return errors.New("ws.messages_per_second and ws.message_burst must be positive")
	}
	return nil
}
