// Package config loads the engine's runtime configuration via viper,
// one mapstructure-tagged struct per concern, each with its own
// Validate method.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	return nil
}

// DatabaseConfig controls the SQLite data source. PoliciesPath, when
// set, names a SQL script of policy DDL (ALTER TABLE ... ROW LEVEL
// SECURITY, CREATE POLICY, DROP POLICY) applied to the policy store at
// startup.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	PoliciesPath string `mapstructure:"policies_path"`
}

func (c *DatabaseConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}

// AuthConfig controls bearer JWT verification. Disabled opts out of
// token verification entirely: every request runs as the anonymous role
// with no uid. Meant for local development only.
type AuthConfig struct {
	Disabled  bool   `mapstructure:"disabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (c *AuthConfig) Validate() error {
	if c.Disabled {
		return nil
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty unless auth.disabled is true")
	}
	return nil
}

// LogConfig controls zerolog's global level and format.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func (c *LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Level)
	}
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("metrics.addr must not be empty when metrics.enabled is true")
	}
	return nil
}

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Validate runs every sub-config's Validate, collecting nothing past the
// first failure (config errors should fail fast at startup).
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Server, &c.Database, &c.Auth, &c.Log, &c.Metrics,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.path", "litefuse.db")
	// Empty defaults register the keys with viper so AutomaticEnv can
	// surface LITEFUSE_AUTH_JWT_SECRET / LITEFUSE_DATABASE_POLICIES_PATH
	// during Unmarshal.
	v.SetDefault("database.policies_path", "")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads configuration from (in ascending precedence) defaults, a
// config file at path (if non-empty and present), and LITEFUSE_-prefixed
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("litefuse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
