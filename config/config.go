// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendTables = "tables"
)

type Config struct {
	Debug bool   `mapstructure:"debug"`
	Port  string `mapstructure:"port"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Presence PresenceConfig `mapstructure:"presence"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type StorageConfig struct {
	// Backend holds documents: memory, redis, sqlite or tables.
	Backend          string `mapstructure:"backend"`
	ConnectionString string `mapstructure:"connection_string"`
	TablePrefix      string `mapstructure:"table_prefix"`
	SQLitePath       string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

type AuthConfig struct {
	Domain       string        `mapstructure:"domain"`
	Audience     string        `mapstructure:"audience"`
	TestMode     bool          `mapstructure:"test_mode"`
	TestSecret   string        `mapstructure:"test_secret"`
	JWKSCacheTTL time.Duration `mapstructure:"jwks_cache_ttl"`
}

type PresenceConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

type NotifyConfig struct {
	AlertQueue string        `mapstructure:"alert_queue"`
	DeduperTTL time.Duration `mapstructure:"deduper_ttl"`
}

func Default() *Config {
	return &Config{
		Port:    "8080",
		Storage: StorageConfig{Backend: BackendMemory, TablePrefix: "taskhub", SQLitePath: "taskhub.db"},
		Auth:    AuthConfig{JWKSCacheTTL: 15 * time.Minute},
		Presence: PresenceConfig{
			ProbeInterval: 5 * time.Second,
			LeaseTTL:      30 * time.Second,
			ReapInterval:  10 * time.Second,
		},
		Notify: NotifyConfig{DeduperTTL: 24 * time.Hour},
	}
}

// environment names the variable overriding each key.
var environment = map[string][]string{
	"debug":                     {"DEBUG"},
	"port":                      {"FUNCTIONS_CUSTOMHANDLER_PORT", "PORT"},
	"storage.backend":           {"STORAGE_BACKEND"},
	"storage.connection_string": {"STORAGE_CONNECTION_STRING"},
	"storage.table_prefix":      {"TABLE_PREFIX"},
	"storage.sqlite_path":       {"SQLITE_PATH"},
	"redis.connection_string":   {"REDIS_CONNECTION_STRING"},
	"auth.domain":               {"AUTH0_DOMAIN"},
	"auth.audience":             {"AUTH0_AUDIENCE"},
	"auth.test_mode":            {"AUTH0_TEST_MODE"},
	"auth.test_secret":          {"TEST_JWT_SECRET"},
	"auth.jwks_cache_ttl":       {"JWKS_CACHE_TTL"},
	"presence.probe_interval":   {"PRESENCE_PROBE_INTERVAL"},
	"presence.lease_ttl":        {"PRESENCE_LEASE_TTL"},
	"presence.reap_interval":    {"REAP_INTERVAL"},
	"notify.alert_queue":        {"ALERT_QUEUE"},
	"notify.deduper_ttl":        {"DEDUPER_TTL"},
}

// Load builds the configuration. path may be empty; a named file that
// cannot be read is an error.
func Load(path string) (*Config, error) {
	def := Default()
	v := viper.New()
	v.SetDefault("debug", def.Debug)
	v.SetDefault("port", def.Port)
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.table_prefix", def.Storage.TablePrefix)
	v.SetDefault("storage.sqlite_path", def.Storage.SQLitePath)
	v.SetDefault("auth.jwks_cache_ttl", def.Auth.JWKSCacheTTL)
	v.SetDefault("presence.probe_interval", def.Presence.ProbeInterval)
	v.SetDefault("presence.lease_ttl", def.Presence.LeaseTTL)
	v.SetDefault("presence.reap_interval", def.Presence.ReapInterval)
	v.SetDefault("notify.deduper_ttl", def.Notify.DeduperTTL)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for key, names := range environment {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.ConnectionString == "" {
			errs = append(errs, errors.New("redis storage requires REDIS_CONNECTION_STRING"))
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite storage requires SQLITE_PATH"))
		}
	case BackendTables:
		if c.Storage.ConnectionString == "" {
			errs = append(errs, errors.New("tables storage requires STORAGE_CONNECTION_STRING"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Auth.TestMode {
		if c.Auth.TestSecret == "" {
			errs = append(errs, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1"))
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	if c.Notify.AlertQueue != "" && c.Storage.ConnectionString == "" {
		errs = append(errs, errors.New("ALERT_QUEUE requires STORAGE_CONNECTION_STRING"))
	}
	if c.Presence.ProbeInterval <= 0 || c.Presence.LeaseTTL <= c.Presence.ProbeInterval {
		errs = append(errs, errors.New("presence lease must outlast the probe interval"))
	}
	if c.Notify.DeduperTTL <= 0 {
		errs = append(errs, errors.New("invalid DEDUPER_TTL"))
	}
	return errors.Join(errs...)
}

func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// JWKSURL is the key set location of the configured Auth0 tenant.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Domain)
}

func (c *Config) Issuer() string {
	if c.Auth.Domain == "" {
		return ""
	}
	return "https://" + c.Auth.Domain + "/"
}

// RedisOptions accepts a redis:// URL or the Azure form
// "host:port,password=...,ssl=True".
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.Contains(parts[0], "://") || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
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
