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

package hub

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the hub configuration structure
type Config struct {
	Broker  BrokerConfig   `yaml:"broker"`
	Devices []DeviceConfig `yaml:"devices"`
}

// BrokerConfig contains broker connection settings
type BrokerConfig struct {
	URL            string `yaml:"url"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TopicPrefix    string `yaml:"topic_prefix"`
	ReconnectDelay string `yaml:"reconnect_delay"`
}

// DeviceConfig describes one simulated controller
type DeviceConfig struct {
	ID       string          `yaml:"id"`
	Sections []string        `yaml:"sections"`
	Programs []ProgramConfig `yaml:"programs"`
}

// ProgramConfig is a named sequence of section runs
type ProgramConfig struct {
	Name     string            `yaml:"name"`
	Enabled  bool              `yaml:"enabled"`
	Sequence []ProgramStepSpec `yaml:"sequence"`
}

// ProgramStepSpec runs one section for Duration
type ProgramStepSpec struct {
	Section  int    `yaml:"section"`
	Duration string `yaml:"duration"`
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

func (c *Config) setDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = "tcp://localhost:1883"
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "sprinklers-hub"
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = "devices"
	}
	if c.Broker.ReconnectDelay == "" {
		c.Broker.ReconnectDelay = "5s"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Broker.ReconnectDelay); err != nil {
		return fmt.Errorf("broker.reconnect_delay: %w", err)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	deviceIDs := make(map[string]bool)
	for i, device := range c.Devices {
		if device.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if deviceIDs[device.ID] {
			return fmt.Errorf("duplicate device ID: %s", device.ID)
		}
		deviceIDs[device.ID] = true

		for j, program := range device.Programs {
			for k, step := range program.Sequence {
				if step.Section < 0 || step.Section >= len(device.Sections) {
					return fmt.Errorf("devices[%d].programs[%d].sequence[%d]: no section %d", i, j, k, step.Section)
				}
				d, err := time.ParseDuration(step.Duration)
				if err != nil || d <= 0 {
					return fmt.Errorf("devices[%d].programs[%d].sequence[%d]: invalid duration %q", i, j, k, step.Duration)
				}
			}
		}
	}
	return nil
}

// GetReconnectDelay returns the broker reconnect delay
func (c *Config) GetReconnectDelay() time.Duration {
	d, err := time.ParseDuration(c.Broker.ReconnectDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetDevice returns a device configuration by ID
func (c *Config) GetDevice(id string) (*DeviceConfig, error) {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			return &c.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", id)
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

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	config := &Config{
		Broker: BrokerConfig{URL: "tcp://localhost:1883"},
		Devices: []DeviceConfig{
			{
				ID:       "garden",
				Sections: []string{"Front lawn", "Back lawn", "Vegetable beds", "Drip line"},
				Programs: []ProgramConfig{
					{
						Name:    "Morning",
						Enabled: true,
						Sequence: []ProgramStepSpec{
							{Section: 0, Duration: "10m"},
							{Section: 1, Duration: "10m"},
							{Section: 2, Duration: "5m"},
						},
					},
				},
			},
		},
	}
	config.setDefaults()
	return config
}
