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

package network

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"sprinklers/internal/logger"
)

// ErrBrokerUnavailable is returned by Connect while a MemoryBroker
// refuses connections
var ErrBrokerUnavailable = errors.New("broker unavailable")

const memoryQueueSize = 1024

// MemoryBroker is an in-process broker with MQTT topic semantics. It
// backs mem:// broker URLs and tests.
type MemoryBroker struct {
	mutex     sync.RWMutex
	clients   map[*MemoryTransport]struct{}
	retained  map[string]retainedMessage
	sequence  uint64
	refusing  bool
	published int
}

type retainedMessage struct {
	payload  []byte
	sequence uint64
}

// NewMemoryBroker creates an empty broker that accepts connections
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		clients:  make(map[*MemoryTransport]struct{}),
		retained: make(map[string]retainedMessage),
	}
}

// NewTransport creates a client of this broker
func (b *MemoryBroker) NewTransport(clientID string) *MemoryTransport {
	return &MemoryTransport{
		broker:   b,
		clientID: clientID,
		logger:   logger.GetLogger("network.memory").With().Str("client_id", clientID).Logger(),
		subs:     make(map[string]bool),
		subCalls: make(map[string]int),
		unsCalls: make(map[string]int),
	}
}

// SetAvailable controls whether new connections are accepted
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.refusing = !available
}

// Publish delivers payload to every connected client subscribed to a
// matching filter
func (b *MemoryBroker) Publish(topic string, payload []byte) {
	b.mutex.Lock()
	b.published++
	clients := make([]*MemoryTransport, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mutex.Unlock()

	for _, c := range clients {
		c.enqueue(topic, payload)
	}
}

// PublishRetained publishes payload and keeps it for later subscribers.
// An empty payload clears the retained value.
func (b *MemoryBroker) PublishRetained(topic string, payload []byte) {
	b.mutex.Lock()
	if len(payload) == 0 {
		delete(b.retained, topic)
	} else {
		b.sequence++
		b.retained[topic] = retainedMessage{payload: payload, sequence: b.sequence}
	}
	b.mutex.Unlock()

	if len(payload) > 0 {
		b.Publish(topic, payload)
	}
}

// Retained returns the retained payload of topic, if any
func (b *MemoryBroker) Retained(topic string) ([]byte, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	msg, ok := b.retained[topic]
	return msg.payload, ok
}

// retainedMatching returns retained messages matching filter in the order
// they were last published
func (b *MemoryBroker) retainedMatching(filter string) []memoryMessage {
	b.mutex.RLock()
	type entry struct {
		topic string
		retainedMessage
	}
	var entries []entry
	for topic, msg := range b.retained {
		if MatchTopic(filter, topic) {
			entries = append(entries, entry{topic, msg})
		}
	}
	b.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].sequence < entries[j].sequence })
	out := make([]memoryMessage, len(entries))
	for i, e := range entries {
		out[i] = memoryMessage{topic: e.topic, payload: e.payload}
	}
	return out
}

// PublishedCount returns how many messages passed through the broker
func (b *MemoryBroker) PublishedCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.published
}

// Sever drops every connection as if the network failed
func (b *MemoryBroker) Sever(err error) {
	b.mutex.Lock()
	clients := make([]*MemoryTransport, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*MemoryTransport]struct{})
	b.mutex.Unlock()

	for _, c := range clients {
		c.lost(err)
	}
}

func (b *MemoryBroker) attach(c *MemoryTransport) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.refusing {
		return ErrBrokerUnavailable
	}
	b.clients[c] = struct{}{}
	return nil
}

func (b *MemoryBroker) detach(c *MemoryTransport) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.clients, c)
}

type memoryMessage struct {
	topic   string
	payload []byte
}

// MemoryTransport is one client connection to a MemoryBroker. Sessions
// are clean: subscriptions do not survive a reconnect.
type MemoryTransport struct {
	broker   *MemoryBroker
	clientID string
	logger   zerolog.Logger

	mutex     sync.Mutex
	handlers  Handlers
	connected bool
	subs      map[string]bool
	subCalls  map[string]int
	unsCalls  map[string]int
	queue     chan memoryMessage
	done      chan struct{}
}

func (m *MemoryTransport) Name() string {
	return "memory"
}

func (m *MemoryTransport) SetHandlers(h Handlers) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handlers = h
}

func (m *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.connected {
		return nil
	}
	if err := m.broker.attach(m); err != nil {
		return err
	}

	m.connected = true
	m.subs = make(map[string]bool)
	m.queue = make(chan memoryMessage, memoryQueueSize)
	m.done = make(chan struct{})
	go m.deliver(m.queue, m.done)

	m.logger.Debug().Msg("Connected to memory broker")
	return nil
}

func (m *MemoryTransport) Disconnect() {
	m.broker.detach(m)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.close()
}

// close must be called with the mutex held
func (m *MemoryTransport) close() bool {
	if !m.connected {
		return false
	}
	m.connected = false
	close(m.done)
	return true
}

func (m *MemoryTransport) lost(err error) {
	m.mutex.Lock()
	closed := m.close()
	onLost := m.handlers.OnConnectionLost
	m.mutex.Unlock()

	if closed && onLost != nil {
		go onLost(err)
	}
}

func (m *MemoryTransport) IsConnected() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connected
}

func (m *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	m.broker.Publish(topic, append([]byte(nil), payload...))
	return nil
}

func (m *MemoryTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	m.broker.PublishRetained(topic, append([]byte(nil), payload...))
	return nil
}

func (m *MemoryTransport) Subscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.subs[filter] = true
	m.subCalls[filter]++
	for _, msg := range m.broker.retainedMatching(filter) {
		m.push(msg)
	}
	return nil
}

func (m *MemoryTransport) Unsubscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	delete(m.subs, filter)
	m.unsCalls[filter]++
	return nil
}

// Subscribed reports whether filter is currently subscribed
func (m *MemoryTransport) Subscribed(filter string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.subs[filter]
}

// SubscribeCalls returns how many times filter was subscribed
func (m *MemoryTransport) SubscribeCalls(filter string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.subCalls[filter]
}

// UnsubscribeCalls returns how many times filter was unsubscribed
func (m *MemoryTransport) UnsubscribeCalls(filter string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.unsCalls[filter]
}

func (m *MemoryTransport) enqueue(topic string, payload []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.connected {
		return
	}
	matched := false
	for filter := range m.subs {
		if MatchTopic(filter, topic) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	m.push(memoryMessage{topic: topic, payload: payload})
}

// push must be called with the mutex held while connected
func (m *MemoryTransport) push(msg memoryMessage) {
	select {
	case m.queue <- msg:
	default:
		m.logger.Warn().Str("topic", msg.topic).Msg("Delivery queue full, dropping message")
	}
}

func (m *MemoryTransport) deliver(queue <-chan memoryMessage, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-queue:
			m.mutex.Lock()
			onMessage := m.handlers.OnMessage
			m.mutex.Unlock()
			if onMessage != nil {
				onMessage(msg.topic, msg.payload)
			}
		}
	}
}
