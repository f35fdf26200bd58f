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

package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sprinklers/internal/logger"
	"sprinklers/internal/network"
)

// Config holds MQTT connection settings
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// MQTTProvider implements network.Transport over an MQTT broker. Paho's
// own reconnect logic is disabled so the owner controls reconnection.
type MQTTProvider struct {
	config Config
	logger zerolog.Logger

	mutex    sync.RWMutex
	client   paho.Client
	handlers network.Handlers
}

// NewMQTTProvider creates a provider. An empty client id gets a random
// suffix so several gateways can share a broker.
func NewMQTTProvider(config Config) *MQTTProvider {
	if config.ClientID == "" {
		config.ClientID = "sprinklers-" + uuid.NewString()[:8]
	}
	if config.QoS > 2 {
		config.QoS = 1
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	return &MQTTProvider{
		config: config,
		logger: logger.GetLogger("network.mqtt").With().Str("broker", config.BrokerURL).Logger(),
	}
}

// Name returns the provider name
func (p *MQTTProvider) Name() string {
	return "mqtt"
}

func (p *MQTTProvider) SetHandlers(h network.Handlers) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.handlers = h
}

// Connect dials the broker with a clean session
func (p *MQTTProvider) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(p.config.BrokerURL).
		SetClientID(p.config.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(p.config.ConnectTimeout).
		SetKeepAlive(p.config.KeepAlive).
		SetDefaultPublishHandler(p.onMessage).
		SetConnectionLostHandler(p.onConnectionLost)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.config.BrokerURL, err)
	}

	p.mutex.Lock()
	old := p.client
	p.client = client
	p.mutex.Unlock()
	if old != nil {
		old.Disconnect(0)
	}

	p.logger.Info().Str("client_id", p.config.ClientID).Msg("MQTT connected")
	return nil
}

// Disconnect closes the connection, letting in-flight work finish briefly
func (p *MQTTProvider) Disconnect() {
	p.mutex.Lock()
	client := p.client
	p.client = nil
	p.mutex.Unlock()

	if client != nil {
		client.Disconnect(250)
		p.logger.Info().Msg("MQTT disconnected")
	}
}

func (p *MQTTProvider) IsConnected() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.client != nil && p.client.IsConnectionOpen()
}

func (p *MQTTProvider) live() (paho.Client, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.client == nil || !p.client.IsConnectionOpen() {
		return nil, network.ErrNotConnected
	}
	return p.client, nil
}

func (p *MQTTProvider) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := p.live()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, p.config.QoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTProvider) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	client, err := p.live()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, p.config.QoS, true, payload)); err != nil {
		return fmt.Errorf("failed to publish retained to %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTProvider) Subscribe(ctx context.Context, filter string) error {
	client, err := p.live()
	if err != nil {
		return err
	}
	// nil callback routes messages to the default publish handler
	if err := wait(ctx, client.Subscribe(filter, p.config.QoS, nil)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	p.logger.Debug().Str("filter", filter).Msg("Subscribed")
	return nil
}

func (p *MQTTProvider) Unsubscribe(ctx context.Context, filter string) error {
	client, err := p.live()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Unsubscribe(filter)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", filter, err)
	}
	p.logger.Debug().Str("filter", filter).Msg("Unsubscribed")
	return nil
}

func (p *MQTTProvider) onMessage(_ paho.Client, msg paho.Message) {
	p.mutex.RLock()
	onMessage := p.handlers.OnMessage
	p.mutex.RUnlock()
	if onMessage != nil {
		onMessage(msg.Topic(), msg.Payload())
	}
}

func (p *MQTTProvider) onConnectionLost(client paho.Client, err error) {
	p.mutex.Lock()
	current := p.client == client
	if current {
		p.client = nil
	}
	onLost := p.handlers.OnConnectionLost
	p.mutex.Unlock()

	if !current {
		return
	}
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
	if onLost != nil {
		onLost(err)
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
