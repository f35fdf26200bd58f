// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains HTTP and WebSocket settings
type ServerConfig struct {
	Address      string    `yaml:"address"`
	ReadTimeout  string    `yaml:"read_timeout"`
	WriteTimeout string    `yaml:"write_timeout"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BrokerConfig contains the device broker connection settings. A url of
// the form mem://name runs an in-process broker.
type BrokerConfig struct {
	URL              string `yaml:"url"`
	ClientID         string `yaml:"client_id"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	TopicPrefix      string `yaml:"topic_prefix"`
	ReconnectDelay   string `yaml:"reconnect_delay"`
	CallTimeout      string `yaml:"call_timeout"`
	SubscribeTimeout string `yaml:"subscribe_timeout"`
}

// SessionConfig contains client session settings
type SessionConfig struct {
	Debounce string `yaml:"debounce"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	SecretKey     string `yaml:"secret_key"`
	Issuer        string `yaml:"issuer"`
	AccessExpiry  string `yaml:"access_expiry"`
	RefreshExpiry string `yaml:"refresh_expiry"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	config.Security.JWT.SecretKey = "change-this-secret-before-exposing-the-gateway"
	return config
}

func (c *Config) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "15s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "15s"
	}

	if c.Broker.URL == "" {
		c.Broker.URL = "tcp://localhost:1883"
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "sprinklers-gateway"
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = "devices"
	}
	if c.Broker.ReconnectDelay == "" {
		c.Broker.ReconnectDelay = "5s"
	}
	if c.Broker.CallTimeout == "" {
		c.Broker.CallTimeout = "5s"
	}
	if c.Broker.SubscribeTimeout == "" {
		c.Broker.SubscribeTimeout = "10s"
	}

	if c.Session.Debounce == "" {
		c.Session.Debounce = "100ms"
	}

	if c.Database.Path == "" {
		c.Database.Path = "sprinklers.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "sprinklers"
	}
	if c.Security.JWT.AccessExpiry == "" {
		c.Security.JWT.AccessExpiry = "30m"
	}
	if c.Security.JWT.RefreshExpiry == "" {
		c.Security.JWT.RefreshExpiry = "168h"
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value string
	}{
		{"server read_timeout", c.Server.ReadTimeout},
		{"server write_timeout", c.Server.WriteTimeout},
		{"broker reconnect_delay", c.Broker.ReconnectDelay},
		{"broker call_timeout", c.Broker.CallTimeout},
		{"broker subscribe_timeout", c.Broker.SubscribeTimeout},
		{"session debounce", c.Session.Debounce},
		{"jwt access_expiry", c.Security.JWT.AccessExpiry},
		{"jwt refresh_expiry", c.Security.JWT.RefreshExpiry},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.Broker.TopicPrefix == "" {
		return fmt.Errorf("broker topic_prefix cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long")
	}
	if c.Security.JWT.Issuer == "" {
		return fmt.Errorf("JWT issuer cannot be empty")
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// GetReadTimeout returns the HTTP read timeout
func (c *Config) GetReadTimeout() time.Duration {
	return mustDuration(c.Server.ReadTimeout)
}

// GetWriteTimeout returns the HTTP write timeout
func (c *Config) GetWriteTimeout() time.Duration {
	return mustDuration(c.Server.WriteTimeout)
}

// GetReconnectDelay returns the broker reconnect delay
func (c *Config) GetReconnectDelay() time.Duration {
	return mustDuration(c.Broker.ReconnectDelay)
}

// GetCallTimeout returns the device call timeout
func (c *Config) GetCallTimeout() time.Duration {
	return mustDuration(c.Broker.CallTimeout)
}

// GetSubscribeTimeout returns the broker subscribe timeout
func (c *Config) GetSubscribeTimeout() time.Duration {
	return mustDuration(c.Broker.SubscribeTimeout)
}

// GetDebounce returns the device update debounce delay
func (c *Config) GetDebounce() time.Duration {
	return mustDuration(c.Session.Debounce)
}

// GetAccessExpiry returns the lifetime of access tokens
func (c *Config) GetAccessExpiry() time.Duration {
	return mustDuration(c.Security.JWT.AccessExpiry)
}

// GetRefreshExpiry returns the lifetime of refresh tokens
func (c *Config) GetRefreshExpiry() time.Duration {
	return mustDuration(c.Security.JWT.RefreshExpiry)
}
