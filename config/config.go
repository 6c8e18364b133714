// Package config loads service settings from defaults, an optional TOML
// file named by CONFIG_FILE, and environment variables, in that order.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// Storage modes.
const (
	ModeMemory = "memory"
	ModeSQLite = "sqlite"
	ModeTables = "tables"
)

const (
	DefaultListenPort     = "8080"
	DefaultUpdatesChannel = "task-updates"
	DefaultSQLitePath     = "taskboard.db"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type StorageConfig struct {
	Mode             string `toml:"mode"`
	ConnectionString string `toml:"connection_string"`
	TasksTable       string `toml:"tasks_table"`
	CommandQueue     string `toml:"command_queue"`
	SQLitePath       string `toml:"sqlite_path"`
}

type RedisConfig struct {
	ConnectionString string   `toml:"connection_string"`
	UpdatesChannel   string   `toml:"updates_channel"`
	CacheTTL         Duration `toml:"cache_ttl"`
	DeduperTTL       Duration `toml:"deduper_ttl"`
}

type AuthConfig struct {
	Domain   string `toml:"domain"`
	Audience string `toml:"audience"`
	// LocalSecret switches token verification to HS256 with this shared secret.
	LocalSecret  string   `toml:"local_secret"`
	JWKSCacheTTL Duration `toml:"jwks_cache_ttl"`
}

type Config struct {
	Debug           bool          `toml:"debug"`
	ListenPort      string        `toml:"listen_port"`
	Timezone        string        `toml:"timezone"`
	MutationTimeout Duration      `toml:"mutation_timeout"`
	StreamHeartbeat Duration      `toml:"stream_heartbeat"`
	Storage         StorageConfig `toml:"storage"`
	Redis           RedisConfig   `toml:"redis"`
	Auth            AuthConfig    `toml:"auth"`
}

// Default returns the built-in settings: an in-memory store on port 8080.
func Default() Config {
	return Config{
		ListenPort:      DefaultListenPort,
		MutationTimeout: Duration{10 * time.Second},
		StreamHeartbeat: Duration{25 * time.Second},
		Storage: StorageConfig{
			Mode:       ModeMemory,
			SQLitePath: DefaultSQLitePath,
		},
		Redis: RedisConfig{
			UpdatesChannel: DefaultUpdatesChannel,
			CacheTTL:       Duration{5 * time.Minute},
			DeduperTTL:     Duration{24 * time.Hour},
		},
		Auth: AuthConfig{
			JWKSCacheTTL: Duration{15 * time.Minute},
		},
	}
}

// Load resolves the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.Storage.Mode = envString("STORAGE_MODE", cfg.Storage.Mode)
	cfg.Storage.ConnectionString = envString("STORAGE_CONNECTION_STRING", cfg.Storage.ConnectionString)
	cfg.Storage.TasksTable = envString("TASKS_TABLE", cfg.Storage.TasksTable)
	cfg.Storage.CommandQueue = envString("COMMAND_QUEUE", cfg.Storage.CommandQueue)
	cfg.Storage.SQLitePath = envString("SQLITE_PATH", cfg.Storage.SQLitePath)

	cfg.Redis.ConnectionString = envString("REDIS_CONNECTION_STRING", cfg.Redis.ConnectionString)
	cfg.Redis.UpdatesChannel = envString("UPDATES_CHANNEL", cfg.Redis.UpdatesChannel)
	if cfg.Redis.CacheTTL.Duration, err = envDur("CACHE_TTL", cfg.Redis.CacheTTL.Duration); err != nil {
		return err
	}
	if cfg.Redis.DeduperTTL.Duration, err = envDur("DEDUPER_TTL", cfg.Redis.DeduperTTL.Duration); err != nil {
		return err
	}

	cfg.Auth.Domain = envString("AUTH0_DOMAIN", cfg.Auth.Domain)
	cfg.Auth.Audience = envString("AUTH0_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.LocalSecret = envString("LOCAL_AUTH_SHARED_SECRET", cfg.Auth.LocalSecret)
	if cfg.Auth.JWKSCacheTTL.Duration, err = envDur("JWKS_CACHE_TTL", cfg.Auth.JWKSCacheTTL.Duration); err != nil {
		return err
	}

	cfg.Timezone = envString("TIMEZONE", cfg.Timezone)
	cfg.ListenPort = envString("LISTEN_PORT", cfg.ListenPort)
	if cfg.Debug, err = envBool("DEBUG", cfg.Debug); err != nil {
		return err
	}
	if cfg.MutationTimeout.Duration, err = envDur("MUTATION_TIMEOUT", cfg.MutationTimeout.Duration); err != nil {
		return err
	}
	if cfg.StreamHeartbeat.Duration, err = envDur("STREAM_HEARTBEAT", cfg.StreamHeartbeat.Duration); err != nil {
		return err
	}
	return nil
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Mode {
	case ModeMemory:
	case ModeSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required in sqlite mode"))
		}
	case ModeTables:
		if c.Storage.ConnectionString == "" || c.Storage.TasksTable == "" || c.Storage.CommandQueue == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
		if c.Redis.ConnectionString == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING is required in tables mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_MODE %q", c.Storage.Mode))
	}
	if c.Auth.LocalSecret == "" && (c.Auth.Domain == "" || c.Auth.Audience == "") {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	if c.MutationTimeout.Duration <= 0 {
		errs = append(errs, errors.New("MUTATION_TIMEOUT must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means the process's local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return loc, nil
}

// RedisOptions parses the Redis connection string. Both redis:// URLs and
// the "host:port,password=...,ssl=true" form are accepted.
func (c RedisConfig) RedisOptions() (*redis.Options, error) {
	if c.ConnectionString == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(c.ConnectionString); err == nil {
		return opts, nil
	}
	parts := strings.Split(c.ConnectionString, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}
