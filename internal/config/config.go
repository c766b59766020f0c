// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tathienbao/ibkr-portal/internal/oauth"
	"gopkg.in/yaml.v3"
)

// Environment names accepted in api.environment.
const (
	EnvProduction = "production"
	EnvSandbox    = "sandbox"
)

// Config represents the full SDK configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Flex    FlexConfig    `yaml:"flex"`
	Stream  StreamConfig  `yaml:"stream"`
	Metrics MetricsConfig `yaml:"metrics"`

	keys *Keys
}

// APIConfig holds REST endpoint settings.
type APIConfig struct {
	BaseURL            string `yaml:"base_url"`
	Environment        string `yaml:"environment"` // production | sandbox
	TimeoutSec         int    `yaml:"timeout_sec"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	CacheTTLSec        int    `yaml:"cache_ttl_sec"`
}

// OAuthConfig holds the consumer credentials and key material locations.
// Each key accepts either a file path or inline PEM content.
type OAuthConfig struct {
	ConsumerKey       string `yaml:"consumer_key"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"`

	EncryptionKeyPath string `yaml:"encryption_key_path"`
	EncryptionKeyPEM  string `yaml:"encryption_key_pem"`
	SignatureKeyPath  string `yaml:"signature_key_path"`
	SignatureKeyPEM   string `yaml:"signature_key_pem"`
	DHParamPath       string `yaml:"dh_param_path"`
	DHParamPEM        string `yaml:"dh_param_pem"`
}

// FlexConfig holds Flex web service settings.
type FlexConfig struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"`
	ArchivePath     string `yaml:"archive_path"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	MaxPollAttempts int    `yaml:"max_poll_attempts"`
}

// StreamConfig holds WebSocket streaming settings.
type StreamConfig struct {
	URL                  string `yaml:"url"`
	HeartbeatSec         int    `yaml:"heartbeat_sec"`
	ReconnectIntervalSec int    `yaml:"reconnect_interval_sec"`
	MaxReconnectTries    int    `yaml:"max_reconnect_tries"`
	BufferSize           int    `yaml:"buffer_size"`
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load loads configuration from a YAML file. Key material is parsed eagerly
// so bad keys fail here, not mid-negotiation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	keys, err := loadKeys(cfg.OAuth)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	cfg.keys = keys

	return &cfg, nil
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	var errs []string

	// OAuth validation
	if c.OAuth.ConsumerKey == "" {
		errs = append(errs, "oauth.consumer_key is required")
	}
	if c.OAuth.AccessToken == "" {
		errs = append(errs, "oauth.access_token is required")
	}
	if c.OAuth.AccessTokenSecret == "" {
		errs = append(errs, "oauth.access_token_secret is required")
	}
	if c.OAuth.EncryptionKeyPath == "" && c.OAuth.EncryptionKeyPEM == "" {
		errs = append(errs, "oauth.encryption_key_path or oauth.encryption_key_pem is required")
	}
	if c.OAuth.SignatureKeyPath == "" && c.OAuth.SignatureKeyPEM == "" {
		errs = append(errs, "oauth.signature_key_path or oauth.signature_key_pem is required")
	}
	if c.OAuth.DHParamPath == "" && c.OAuth.DHParamPEM == "" {
		errs = append(errs, "oauth.dh_param_path or oauth.dh_param_pem is required")
	}

	// API validation
	switch c.API.Environment {
	case EnvProduction, EnvSandbox:
	case "":
		c.API.Environment = EnvProduction
	default:
		errs = append(errs, fmt.Sprintf("api.environment must be '%s' or '%s'", EnvProduction, EnvSandbox))
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.ibkr.com"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.RateLimitPerSecond <= 0 {
		c.API.RateLimitPerSecond = 10 // gateway limit per consumer key
	}
	if c.API.CacheTTLSec <= 0 {
		c.API.CacheTTLSec = 5
	}

	// Flex validation
	if c.Flex.BaseURL == "" {
		c.Flex.BaseURL = "https://gdcdyn.interactivebrokers.com/Universal/servlet"
	}
	c.Flex.BaseURL = strings.TrimRight(c.Flex.BaseURL, "/")
	if c.Flex.PollIntervalSec <= 0 {
		c.Flex.PollIntervalSec = 5
	}
	if c.Flex.MaxPollAttempts <= 0 {
		c.Flex.MaxPollAttempts = 12
	}

	// Stream validation
	if c.Stream.URL == "" {
		c.Stream.URL = "wss://api.ibkr.com/v1/api/ws"
	}
	if c.Stream.HeartbeatSec <= 0 {
		c.Stream.HeartbeatSec = 10
	}
	if c.Stream.ReconnectIntervalSec <= 0 {
		c.Stream.ReconnectIntervalSec = 5
	}
	if c.Stream.MaxReconnectTries <= 0 {
		c.Stream.MaxReconnectTries = 10
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 100
	}

	// Metrics validation
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Realm returns the OAuth realm for the configured environment.
func (c *Config) Realm() string {
	if c.API.Environment == EnvSandbox {
		return oauth.RealmSandbox
	}
	return oauth.RealmProduction
}

// Keys returns the eagerly loaded key material.
func (c *Config) Keys() *Keys {
	return c.keys
}

// Credentials assembles the immutable credential set the protocol core needs.
func (c *Config) Credentials() oauth.Credentials {
	return oauth.Credentials{
		ConsumerKey:       c.OAuth.ConsumerKey,
		AccessToken:       c.OAuth.AccessToken,
		AccessTokenSecret: c.OAuth.AccessTokenSecret,
		EncryptionKey:     c.keys.EncryptionKey,
		SignatureKey:      c.keys.SignatureKey,
		DHPrime:           c.keys.DHPrime,
		DHGenerator:       c.keys.DHGenerator,
		Realm:             c.Realm(),
		BaseURL:           c.API.BaseURL,
	}
}

// Timeout returns the HTTP client timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// CacheTTL returns the account data cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.API.CacheTTLSec) * time.Second
}

// FlexPollInterval returns the delay between statement readiness polls.
func (c *Config) FlexPollInterval() time.Duration {
	return time.Duration(c.Flex.PollIntervalSec) * time.Second
}

// StreamHeartbeat returns the WebSocket heartbeat interval.
func (c *Config) StreamHeartbeat() time.Duration {
	return time.Duration(c.Stream.HeartbeatSec) * time.Second
}

// StreamReconnectInterval returns the delay between reconnect attempts.
func (c *Config) StreamReconnectInterval() time.Duration {
	return time.Duration(c.Stream.ReconnectIntervalSec) * time.Second
}
