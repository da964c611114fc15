// Package config loads service configuration once at startup. Sources, in
// decreasing priority: an explicit path, the CONFIG_PATH variable, a
// ./local.yaml file, and finally environment variables alone.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the immutable root configuration. It is loaded once in main and
// passed by reference; nothing reads the environment after startup.
type Config struct {
	Env    string       `yaml:"env" env:"ENV" env-default:"local"`
	HTTP   HTTPConfig   `yaml:"http"`
	DB     DBConfig     `yaml:"db"`
	Auth   AuthConfig   `yaml:"auth"`
	Limits LimitsConfig `yaml:"limits"`
}

// HTTPConfig describes the public HTTP server.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Addr returns the listen address in host:port form.
func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

// DBConfig describes the PostgreSQL connection.
type DBConfig struct {
	DSN             string        `yaml:"dsn" env:"EPSOLDEV_PG_DSN" env-required:"true"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
}

// AuthConfig carries credential issuance parameters. The signing secret has
// no default on purpose: a process without one must refuse to start.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL" env-default:"168h"`
	Issuer     string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"epsoldev"`
}

// LimitsConfig bounds request intake.
type LimitsConfig struct {
	BodyMaxBytes   int64    `yaml:"body_max_bytes" env:"BODY_MAX_BYTES" env-default:"1048576"`
	RatePerSecond  int      `yaml:"rate_per_second" env:"RATE_PER_SECOND" env-default:"20"`
	RateBurst      int      `yaml:"rate_burst" env:"RATE_BURST" env-default:"40"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:","`
}

// IsProduction reports whether internal error detail must be suppressed from
// responses.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Load reads configuration from the resolved source.
func Load(path string) (*Config, error) {
	var cfg Config

	resolved := resolvePath(path)
	if resolved != "" {
		if err := cleanenv.ReadConfig(resolved, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", resolved, err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config from env: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load that exits the process on failure.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func resolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("local.yaml"); err == nil {
		return "local.yaml"
	}
	return ""
}
