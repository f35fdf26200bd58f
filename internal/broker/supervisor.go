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

package broker

import (
	"context"
	"time"

	"sprinklers/internal/device"
	"sprinklers/internal/network"
	"sprinklers/internal/protocol"
)

// Start connects to the broker. A failed first attempt is returned but
// retries continue every ReconnectDelay until Close.
func (b *Bridge) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mutex.Unlock()
		return nil
	}
	b.started = true
	b.mutex.Unlock()

	b.transport.SetHandlers(network.Handlers{
		OnMessage:        b.onMessage,
		OnConnectionLost: b.onConnectionLost,
	})
	b.wg.Add(1)
	go b.runOps()

	b.logger.Info().Str("prefix", b.options.TopicPrefix).Msg("Starting broker bridge")
	return b.connect(ctx)
}

// connect makes one connection attempt and, on success, waits until
// every referenced device is subscribed again
func (b *Bridge) connect(ctx context.Context) error {
	b.setServerToBroker(device.Unknown)
	if err := b.transport.Connect(ctx); err != nil {
		b.setServerToBroker(device.False)
		b.logger.Warn().Err(err).Dur("retry_in", b.options.ReconnectDelay).Msg("Broker connection failed")
		b.scheduleReconnect()
		return err
	}

	done := make(chan struct{})
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		b.transport.Disconnect()
		return ErrClosed
	}
	b.enqueueLocked(op{kind: opResync, done: done})
	b.mutex.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrClosed
	}
	return nil
}

// setServerToBroker marks every held device that is not yet live
func (b *Bridge) setServerToBroker(state device.Tristate) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.connecting = state == device.Unknown
	for _, h := range b.devices {
		if !h.active {
			h.device.SetServerToBroker(state)
		}
	}
}

func (b *Bridge) scheduleReconnect() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed || b.reconnect != nil {
		return
	}
	b.reconnect = time.AfterFunc(b.options.ReconnectDelay, func() {
		b.mutex.Lock()
		b.reconnect = nil
		closed := b.closed
		b.mutex.Unlock()
		if closed {
			return
		}

		b.stats.reconnects.Add(1)
		ctx, cancel := context.WithTimeout(b.ctx, b.options.SubscribeTimeout+b.options.ReconnectDelay)
		defer cancel()
		b.connect(ctx)
	})
}

// applyResync runs on the op worker after a (re)connect. Ops queued
// before it that found the bridge offline are covered here.
func (b *Bridge) applyResync() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.connected = true
	b.connecting = false
	type pending struct {
		id string
		h  *handle
	}
	var todo []pending
	for id, h := range b.devices {
		if h.refs > 0 && !h.active {
			todo = append(todo, pending{id, h})
		}
	}
	b.mutex.Unlock()

	resubscribed := 0
	for _, p := range todo {
		if b.subscribeDevice(p.id, p.h) {
			resubscribed++
		}
	}

	b.logger.Info().
		Int("devices", len(todo)).
		Int("resubscribed", resubscribed).
		Msg("Broker connected")
	b.publishConnection()
}

func (b *Bridge) onConnectionLost(err error) {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.connected = false
	for _, h := range b.devices {
		h.markInactive()
		h.device.SetServerToBroker(device.False)
	}
	b.mutex.Unlock()

	rejected := b.calls.RejectAll(protocol.NewError(protocol.ErrBrokerDisconnected, "broker connection lost"))

	b.logger.Warn().
		Err(err).
		Int("rejected_calls", rejected).
		Dur("retry_in", b.options.ReconnectDelay).
		Msg("Broker connection lost")
	b.publishConnection()
	b.scheduleReconnect()
}

// Connected reports whether the broker link is up and resynchronised
func (b *Bridge) Connected() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.connected
}

// OnConnectionChange registers fn to receive every broker link change
func (b *Bridge) OnConnectionChange(fn func(connected bool)) (cancel func()) {
	b.observerMutex.Lock()
	id := b.nextObserver
	b.nextObserver++
	b.observers[id] = fn
	b.observerMutex.Unlock()

	return func() {
		b.observerMutex.Lock()
		delete(b.observers, id)
		b.observerMutex.Unlock()
	}
}

// publishConnection tells observers the current link state if it differs
// from what they last saw. Observers run under observerMutex and must not
// register or cancel observers themselves.
func (b *Bridge) publishConnection() {
	b.observerMutex.Lock()
	defer b.observerMutex.Unlock()

	connected := b.Connected()
	if connected == b.lastNotified {
		return
	}
	b.lastNotified = connected
	for _, fn := range b.observers {
		fn(connected)
	}
}

// Close disconnects and fails every pending call
func (b *Bridge) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	if b.reconnect != nil {
		b.reconnect.Stop()
		b.reconnect = nil
	}
	devices := make([]*device.Device, 0, len(b.devices))
	for _, h := range b.devices {
		h.markInactive()
		devices = append(devices, h.device)
	}
	b.mutex.Unlock()

	b.cancel()
	b.wg.Wait()
	b.transport.Disconnect()
	b.calls.RejectAll(protocol.NewError(protocol.ErrBrokerDisconnected, "broker bridge closed"))

	for _, d := range devices {
		d.SetServerToBroker(device.False)
	}
	b.publishConnection()
	b.logger.Info().Msg("Broker bridge closed")
	return nil
}
