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

// Package hub runs simulated sprinkler controllers on a broker. Each
// controller publishes its state under <prefix>/<id>/ and answers
// requests sent to <prefix>/<id>/requests.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"sprinklers/internal/device"
	"sprinklers/internal/logger"
	"sprinklers/internal/network"
)

const requestQueueSize = 256

type inboundMessage struct {
	topic   string
	payload []byte
}

// Daemon represents the hub daemon
type Daemon struct {
	config      *Config
	transport   network.Transport
	controllers map[string]*Controller
	router      *network.Router
	replay      *ReplayCache
	logger      zerolog.Logger

	mutex     sync.RWMutex
	running   bool
	connected bool
	reconnect *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc

	inbox      chan inboundMessage
	stopWorker chan struct{}
	wg         sync.WaitGroup
}

// NewDaemon creates a daemon serving every configured device over
// transport
func NewDaemon(config *Config, transport network.Transport) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:      config,
		transport:   transport,
		controllers: make(map[string]*Controller),
		router:      network.NewRouter(),
		replay:      NewReplayCache(50, time.Hour),
		logger:      logger.GetLogger("hub"),
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan inboundMessage, requestQueueSize),
		stopWorker:  make(chan struct{}),
	}

	for _, dc := range config.Devices {
		c := NewController(dc)
		c.SetPublisher(d.publisher(dc.ID))
		d.controllers[dc.ID] = c
	}

	pattern := regexp.QuoteMeta(config.Broker.TopicPrefix) + `/([^/]+)/requests`
	if err := d.router.Handle("requests", pattern, d.handleRequest); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) publisher(id string) PublishFunc {
	prefix := d.config.Broker.TopicPrefix + "/" + id + "/"
	return func(suffix string, payload []byte) {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		if err := d.transport.PublishRetained(ctx, prefix+suffix, payload); err != nil {
			d.logger.Debug().Err(err).Str("topic", prefix+suffix).Msg("Failed to publish state")
		}
	}
}

// Start connects to the broker and publishes the state of every device.
// A failed first attempt is returned but retries continue until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.ctx.Err() != nil {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is stopped")
	}
	d.running = true
	d.mutex.Unlock()

	d.wg.Add(1)
	go d.serveRequests()

	d.transport.SetHandlers(network.Handlers{
		OnMessage:        d.onMessage,
		OnConnectionLost: d.onConnectionLost,
	})

	d.logger.Info().
		Int("device_count", len(d.controllers)).
		Str("prefix", d.config.Broker.TopicPrefix).
		Msg("Starting hub daemon")
	return d.connect(ctx)
}

func (d *Daemon) connect(ctx context.Context) error {
	if err := d.transport.Connect(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Broker connection failed")
		d.scheduleReconnect()
		return err
	}

	filter := d.config.Broker.TopicPrefix + "/+/requests"
	if err := d.transport.Subscribe(ctx, filter); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to subscribe to requests")
		d.transport.Disconnect()
		d.scheduleReconnect()
		return err
	}

	d.mutex.Lock()
	d.connected = true
	d.mutex.Unlock()

	for _, c := range d.controllers {
		c.Republish()
	}
	d.logger.Info().Int("device_count", len(d.controllers)).Msg("Hub daemon connected")
	return nil
}

func (d *Daemon) scheduleReconnect() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.running || d.reconnect != nil {
		return
	}
	d.reconnect = time.AfterFunc(d.config.GetReconnectDelay(), func() {
		d.mutex.Lock()
		d.reconnect = nil
		running := d.running
		d.mutex.Unlock()
		if running {
			d.connect(d.ctx)
		}
	})
}

func (d *Daemon) onConnectionLost(err error) {
	d.mutex.Lock()
	d.connected = false
	d.mutex.Unlock()

	d.logger.Warn().Err(err).Dur("retry_in", d.config.GetReconnectDelay()).Msg("Broker connection lost")
	d.scheduleReconnect()
}

// Run starts the daemon and blocks until ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Initial connection failed, retrying in background")
	}
	<-ctx.Done()
	d.logger.Info().Msg("Context cancelled")
	return d.Stop()
}

// Stop marks every device offline and disconnects
func (d *Daemon) Stop() error {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return nil
	}
	d.running = false
	connected := d.connected
	d.connected = false
	if d.reconnect != nil {
		d.reconnect.Stop()
		d.reconnect = nil
	}
	d.mutex.Unlock()

	d.logger.Info().Msg("Stopping hub daemon")
	d.cancel()
	close(d.stopWorker)
	d.wg.Wait()
	for id, c := range d.controllers {
		c.Stop()
		if connected {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			topic := d.config.Broker.TopicPrefix + "/" + id + "/connected"
			if err := d.transport.PublishRetained(ctx, topic, []byte("false")); err != nil {
				d.logger.Debug().Err(err).Str("device_id", id).Msg("Failed to publish offline state")
			}
			cancel()
		}
	}
	d.transport.Disconnect()

	d.logger.Info().Msg("Hub daemon stopped")
	return nil
}

// IsConnected reports whether the broker link is up
func (d *Daemon) IsConnected() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.connected
}

// Controller returns the controller for id
func (d *Daemon) Controller(id string) (*Controller, bool) {
	c, ok := d.controllers[id]
	return c, ok
}

// onMessage runs on the transport's delivery callback, which must not
// block, so requests are queued for serveRequests
func (d *Daemon) onMessage(topic string, payload []byte) {
	select {
	case d.inbox <- inboundMessage{topic: topic, payload: payload}:
	default:
		d.logger.Warn().Str("topic", topic).Msg("Request queue full, dropping")
	}
}

func (d *Daemon) serveRequests() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopWorker:
			return
		case msg := <-d.inbox:
			d.dispatch(msg.topic, msg.payload)
		}
	}
}

func (d *Daemon) dispatch(topic string, payload []byte) {
	name, err := d.router.Dispatch(topic, payload)
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to handle request")
	} else if name == "" {
		d.logger.Debug().Str("topic", topic).Msg("No route for topic, dropping")
	}
}

type requestEnvelope struct {
	RID *uint32 `json:"rid"`
}

func (d *Daemon) handleRequest(params []string, payload []byte) error {
	id := params[0]
	c, ok := d.controllers[id]
	if !ok {
		d.logger.Debug().Str("device_id", id).Msg("Request for unknown device, dropping")
		return nil
	}

	var env requestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.RID == nil {
		return fmt.Errorf("request without rid")
	}
	rid := *env.RID

	reply, replayed := d.replay.Lookup(id, rid)
	if !replayed {
		resp := c.Handle(payload)
		var err error
		reply, err = device.MarshalResponse(resp, rid)
		if err != nil {
			return err
		}
		d.replay.Store(id, rid, reply)
		d.logger.Debug().
			Str("device_id", id).
			Uint32("rid", rid).
			Str("type", string(resp.Type)).
			Str("result", resp.Result).
			Msg("Request processed")
	}

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	return d.transport.Publish(ctx, d.config.Broker.TopicPrefix+"/"+id+"/responses", reply)
}

// GetStatus returns the current status of the daemon
func (d *Daemon) GetStatus() map[string]interface{} {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	devices := make(map[string]interface{}, len(d.controllers))
	for id, c := range d.controllers {
		s := c.Snapshot()
		devices[id] = map[string]interface{}{
			"sections":     len(s.Sections),
			"programs":     len(s.Programs),
			"queued_runs":  len(s.SectionRunner.Queue),
			"running":      s.SectionRunner.Current != nil,
			"replies_kept": d.replay.Len(id),
		}
	}
	return map[string]interface{}{
		"running":   d.running,
		"connected": d.connected,
		"devices":   devices,
	}
}
