package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Auth      AuthConfig                `yaml:"auth"`
	Executor  ExecutorConfig            `yaml:"executor"`
	Tokens    TokenConfig               `yaml:"tokens"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty means in-memory stores
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty means in-memory state cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
}

type ExecutorConfig struct {
	AdapterTimeoutSeconds int `yaml:"adapter_timeout_seconds"`
	RetryBackoffMs        int `yaml:"retry_backoff_ms"`
}

type TokenConfig struct {
	ExpiryMarginSeconds   int `yaml:"expiry_margin_seconds"`
	RefreshTimeoutSeconds int `yaml:"refresh_timeout_seconds"`
}

// ProviderConfig carries one service's OAuth2 endpoints and client
// credentials. Secrets may be left empty in the file and injected via
// environment (see ApplyEnv).
type ProviderConfig struct {
	ClientID      string            `yaml:"client_id"`
	ClientSecret  string            `yaml:"client_secret"`
	AuthURL       string            `yaml:"auth_url"`
	TokenURL      string            `yaml:"token_url"`
	RevokeURL     string            `yaml:"revoke_url"`
	InvokeURL     string            `yaml:"invoke_url"` // bridge endpoint for operation dispatch
	RedirectURI   string            `yaml:"redirect_uri"`
	Scopes        []string          `yaml:"scopes"`
	AuthParams    map[string]string `yaml:"auth_params"` // extra authorize-URL params
	WebhookSecret string            `yaml:"webhook_secret"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv()
	return &cfg, nil
}

// ApplyEnv overlays environment variables on file values. Secrets
// normally arrive this way; the file only carries structure.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Auth.SessionSecret = v
	}
	for name, p := range c.Providers {
		prefix := envPrefix(name)
		if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
			p.ClientID = v
		}
		if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
			p.ClientSecret = v
		}
		if v := os.Getenv(prefix + "_WEBHOOK_SECRET"); v != "" {
			p.WebhookSecret = v
		}
		c.Providers[name] = p
	}
}

func envPrefix(service string) string {
	out := make([]byte, 0, len(service))
	for i := 0; i < len(service); i++ {
		ch := service[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}

// Validate checks the fields the server cannot run without.
func (c *Config) Validate() error {
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret (or SESSION_SECRET) must be set")
	}
	if len(c.Auth.SessionSecret) < 32 {
		return fmt.Errorf("auth.session_secret must be at least 32 characters")
	}
	return nil
}

func (c *Config) AdapterTimeout() time.Duration {
	if c.Executor.AdapterTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Executor.AdapterTimeoutSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	if c.Executor.RetryBackoffMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Executor.RetryBackoffMs) * time.Millisecond
}

func (c *Config) ExpiryMargin() time.Duration {
	if c.Tokens.ExpiryMarginSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Tokens.ExpiryMarginSeconds) * time.Second
}

func (c *Config) RefreshTimeout() time.Duration {
	if c.Tokens.RefreshTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Tokens.RefreshTimeoutSeconds) * time.Second
}
