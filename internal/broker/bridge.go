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

// Package broker multiplexes many devices over one broker connection.
// It routes inbound topics to device state, correlates device calls with
// their replies, and subscribes to a device only while it is in use.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"sprinklers/internal/device"
	"sprinklers/internal/logger"
	"sprinklers/internal/network"
	"sprinklers/internal/protocol"
	"sprinklers/internal/rpc"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("bridge closed")

// Options configures a Bridge
type Options struct {
	TopicPrefix      string
	CallTimeout      time.Duration
	ReconnectDelay   time.Duration
	SubscribeTimeout time.Duration
	RecentRequests   int
}

// Option modifies Options
type Option func(*Options)

func WithTopicPrefix(prefix string) Option {
	return func(o *Options) { o.TopicPrefix = prefix }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(o *Options) { o.ReconnectDelay = d }
}

func WithSubscribeTimeout(d time.Duration) Option {
	return func(o *Options) { o.SubscribeTimeout = d }
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{
		TopicPrefix:      "devices",
		CallTimeout:      5 * time.Second,
		ReconnectDelay:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		RecentRequests:   64,
	}
}

type handle struct {
	device    *device.Device
	refs      int
	active    bool
	activeCh  chan struct{}
	subQueued bool
}

func (h *handle) markActive() {
	if !h.active {
		h.active = true
		close(h.activeCh)
	}
}

func (h *handle) markInactive() {
	if h.active {
		h.active = false
		h.activeCh = make(chan struct{})
	}
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opResync
)

type op struct {
	kind opKind
	id   string
	h    *handle
	done chan struct{}
}

type counters struct {
	requestsSent      atomic.Int64
	repliesMatched    atomic.Int64
	lateReplies       atomic.Int64
	unknownReplies    atomic.Int64
	messagesRouted    atomic.Int64
	messagesUnmatched atomic.Int64
	messagesFailed    atomic.Int64
	subscribes        atomic.Int64
	unsubscribes      atomic.Int64
	reconnects        atomic.Int64
}

// Bridge owns the broker transport and every device handle
type Bridge struct {
	transport network.Transport
	router    *network.Router
	options   Options
	logger    zerolog.Logger

	mutex      sync.Mutex
	devices    map[string]*handle
	connected  bool
	connecting bool
	started    bool
	closed     bool
	ops        []op
	opWake     chan struct{}
	reconnect  *time.Timer

	calls  *rpc.Table[*device.Response]
	recent *RecentRequests

	observerMutex sync.Mutex
	observers     map[uint64]func(bool)
	nextObserver  uint64
	lastNotified  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  counters
}

// NewBridge creates a bridge over transport. Call Start to connect.
func NewBridge(transport network.Transport, options ...Option) (*Bridge, error) {
	opts := DefaultOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.TopicPrefix == "" {
		return nil, fmt.Errorf("topic prefix is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		transport: transport,
		router:    network.NewRouter(),
		options:   opts,
		logger:    logger.GetLogger("broker").With().Str("transport", transport.Name()).Logger(),
		devices:   make(map[string]*handle),
		opWake:    make(chan struct{}, 1),
		// A random first id keeps a restarted bridge from matching
		// replies meant for its previous run.
		calls:     rpc.NewTable[*device.Response](rpc.WithFirstID(rand.Uint32())),
		recent:    NewRecentRequests(opts.RecentRequests),
		observers: make(map[uint64]func(bool)),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := b.registerRoutes(); err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

// Options returns the effective options
func (b *Bridge) Options() Options {
	return b.options
}

func (b *Bridge) deviceFilter(id string) string {
	return b.options.TopicPrefix + "/" + id + "/#"
}

func (b *Bridge) requestTopic(id string) string {
	return b.options.TopicPrefix + "/" + id + "/requests"
}

// Acquire returns the device for id, creating it and subscribing to its
// topics on the first reference. Every Acquire must be paired with a
// Release.
func (b *Bridge) Acquire(id string) (*device.Device, error) {
	if id == "" {
		return nil, protocol.NewError(protocol.ErrBadRequest, "device id is required")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	h, exists := b.devices[id]
	if !exists {
		h = &handle{device: device.New(id), activeCh: make(chan struct{})}
		if b.connected || b.connecting {
			h.device.SetServerToBroker(device.Unknown)
		} else {
			h.device.SetServerToBroker(device.False)
		}
		b.devices[id] = h
		b.logger.Debug().Str("device_id", id).Msg("Device created")
	}
	h.refs++
	if h.refs == 1 && !h.active && !h.subQueued {
		h.subQueued = true
		b.enqueueLocked(op{kind: opSubscribe, id: id, h: h})
	}
	return h.device, nil
}

// Release drops one reference. At zero the device is unsubscribed and
// forgotten unless it is acquired again first.
func (b *Bridge) Release(id string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	h, exists := b.devices[id]
	if !exists || h.refs == 0 {
		return fmt.Errorf("device %s is not acquired", id)
	}
	h.refs--
	if h.refs == 0 {
		b.enqueueLocked(op{kind: opUnsubscribe, id: id, h: h})
	}
	return nil
}

// Refs returns the live reference count of id
func (b *Bridge) Refs(id string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if h, exists := b.devices[id]; exists {
		return h.refs
	}
	return 0
}

// Subscribed reports whether the broker subscription for id is active
func (b *Bridge) Subscribed(id string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	h, exists := b.devices[id]
	return exists && h.active
}

// Call sends req to device id and waits for its reply. It fails at once
// when the broker is down. A device-reported error is returned together
// with the reply. Giving up on ctx does not withdraw the published
// request.
func (b *Bridge) Call(ctx context.Context, id string, req device.Request) (*device.Response, error) {
	if !b.Connected() {
		return nil, protocol.NewError(protocol.ErrBrokerDisconnected, "not connected to broker")
	}
	if _, err := b.Acquire(id); err != nil {
		return nil, err
	}
	defer b.Release(id)

	if err := b.awaitActive(ctx, id); err != nil {
		return nil, err
	}

	rid, future := b.calls.Register(id, b.options.CallTimeout)
	payload, err := device.MarshalRequest(req, rid)
	if err != nil {
		b.calls.Reject(rid, err)
		return nil, protocol.Errorf(protocol.ErrInternal, "failed to encode device request: %v", err)
	}
	b.recent.Record(id, rid, req.RequestType())

	if err := b.transport.Publish(ctx, b.requestTopic(id), payload); err != nil {
		b.calls.Reject(rid, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.ErrBrokerDisconnected, "failed to publish request: %v", err)
	}
	b.stats.requestsSent.Add(1)
	b.logger.Debug().
		Str("device_id", id).
		Uint32("rid", rid).
		Str("type", string(req.RequestType())).
		Msg("Device request sent")

	resp, err := future.Wait(ctx)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			return nil, protocol.Errorf(protocol.ErrTimeout, "device %s did not respond within %v", id, b.options.CallTimeout)
		}
		return nil, err
	}
	return resp, resp.Err()
}

// awaitActive waits until the device's topics are subscribed so its
// reply cannot be missed
func (b *Bridge) awaitActive(ctx context.Context, id string) error {
	b.mutex.Lock()
	h, exists := b.devices[id]
	if !exists {
		b.mutex.Unlock()
		return ErrClosed
	}
	active, ch := h.active, h.activeCh
	b.mutex.Unlock()
	if active {
		return nil
	}

	timer := time.NewTimer(b.options.SubscribeTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return protocol.Errorf(protocol.ErrBrokerDisconnected, "subscription for device %s not ready", id)
	}
}

// enqueueLocked must be called with the mutex held
func (b *Bridge) enqueueLocked(o op) {
	b.ops = append(b.ops, o)
	select {
	case b.opWake <- struct{}{}:
	default:
	}
}

func (b *Bridge) nextOp() (op, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(b.ops) == 0 {
		return op{}, false
	}
	o := b.ops[0]
	b.ops[0] = op{}
	b.ops = b.ops[1:]
	return o, true
}

// runOps applies subscription changes one at a time in request order
func (b *Bridge) runOps() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.opWake:
		}
		for {
			o, ok := b.nextOp()
			if !ok {
				break
			}
			switch o.kind {
			case opSubscribe:
				b.applySubscribe(o)
			case opUnsubscribe:
				b.applyUnsubscribe(o)
			case opResync:
				b.applyResync()
				close(o.done)
			}
		}
	}
}

func (b *Bridge) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, b.options.SubscribeTimeout)
}

func (b *Bridge) applySubscribe(o op) {
	b.mutex.Lock()
	o.h.subQueued = false
	if b.devices[o.id] != o.h || o.h.refs == 0 || o.h.active || !b.connected {
		b.mutex.Unlock()
		return
	}
	b.mutex.Unlock()

	b.subscribeDevice(o.id, o.h)
}

// subscribeDevice subscribes to one device and marks it live
func (b *Bridge) subscribeDevice(id string, h *handle) bool {
	ctx, cancel := b.opContext()
	err := b.transport.Subscribe(ctx, b.deviceFilter(id))
	cancel()
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("device_id", id).
			Dur("retry_in", b.options.ReconnectDelay).
			Msg("Failed to subscribe to device")
		b.retrySubscribe(id, h)
		return false
	}
	b.stats.subscribes.Add(1)

	b.mutex.Lock()
	live := b.devices[id] == h && b.connected
	if live {
		h.markActive()
		h.device.SetServerToBroker(device.True)
	}
	b.mutex.Unlock()

	if live {
		b.logger.Debug().Str("device_id", id).Msg("Subscribed to device")
	}
	return live
}

// retrySubscribe queues another subscribe for h after ReconnectDelay.
// A lost link is left to the resync that follows the reconnect.
func (b *Bridge) retrySubscribe(id string, h *handle) {
	time.AfterFunc(b.options.ReconnectDelay, func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		if b.closed || !b.connected || b.devices[id] != h || h.refs == 0 || h.active || h.subQueued {
			return
		}
		h.subQueued = true
		b.enqueueLocked(op{kind: opSubscribe, id: id, h: h})
	})
}

func (b *Bridge) applyUnsubscribe(o op) {
	b.mutex.Lock()
	if b.devices[o.id] != o.h || o.h.refs > 0 {
		b.mutex.Unlock()
		return
	}
	delete(b.devices, o.id)
	wasActive := o.h.active && b.connected
	o.h.markInactive()
	b.mutex.Unlock()

	b.recent.ClearDevice(o.id)
	if wasActive {
		ctx, cancel := b.opContext()
		err := b.transport.Unsubscribe(ctx, b.deviceFilter(o.id))
		cancel()
		if err != nil {
			b.logger.Warn().Err(err).Str("device_id", o.id).Msg("Failed to unsubscribe from device")
		} else {
			b.stats.unsubscribes.Add(1)
		}
	}
	b.logger.Debug().Str("device_id", o.id).Msg("Device released")
}

func (b *Bridge) registerRoutes() error {
	p := regexp.QuoteMeta(b.options.TopicPrefix) + `/([^/]+)/`
	routes := []struct {
		name    string
		pattern string
		handler network.RouteHandler
	}{
		{"connected", p + `connected`, b.withDevice(func(d *device.Device, _ []string, payload []byte) error {
			return d.ApplyConnected(payload)
		})},
		{"sections", p + `sections`, b.withDevice(func(d *device.Device, _ []string, payload []byte) error {
			return d.ApplySectionCount(payload)
		})},
		{"section", p + `sections/(\d+)`, b.withDevice(func(d *device.Device, params []string, payload []byte) error {
			return withIndex(params[1], func(i int) error { return d.ApplySection(i, payload) })
		})},
		{"section_field", p + `sections/(\d+)/([^/]+)`, b.withDevice(func(d *device.Device, params []string, payload []byte) error {
			return withIndex(params[1], func(i int) error { return d.ApplySectionField(i, params[2], payload) })
		})},
		{"programs", p + `programs`, b.withDevice(func(d *device.Device, _ []string, payload []byte) error {
			return d.ApplyProgramCount(payload)
		})},
		{"program", p + `programs/(\d+)`, b.withDevice(func(d *device.Device, params []string, payload []byte) error {
			return withIndex(params[1], func(i int) error { return d.ApplyProgram(i, payload) })
		})},
		{"program_field", p + `programs/(\d+)/([^/]+)`, b.withDevice(func(d *device.Device, params []string, payload []byte) error {
			return withIndex(params[1], func(i int) error { return d.ApplyProgramField(i, params[2], payload) })
		})},
		{"section_runner", p + `section_runner`, b.withDevice(func(d *device.Device, _ []string, payload []byte) error {
			return d.ApplySectionRunner(payload)
		})},
		{"responses", p + `responses`, b.handleResponse},
		// our own requests echo back through the device wildcard
		{"requests", p + `requests`, func([]string, []byte) error { return nil }},
	}

	for _, r := range routes {
		if err := b.router.Handle(r.name, r.pattern, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func withIndex(s string, fn func(int) error) error {
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid index %q: %w", s, err)
	}
	return fn(i)
}

// withDevice resolves params[0] to a tracked device. Messages for
// devices no longer tracked are stale and ignored.
func (b *Bridge) withDevice(fn func(*device.Device, []string, []byte) error) network.RouteHandler {
	return func(params []string, payload []byte) error {
		b.mutex.Lock()
		h, exists := b.devices[params[0]]
		b.mutex.Unlock()
		if !exists {
			return nil
		}
		return fn(h.device, params, payload)
	}
}

func (b *Bridge) handleResponse(params []string, payload []byte) error {
	id := params[0]
	rid, resp, err := device.ParseResponse(payload)
	if err != nil {
		return err
	}
	if b.calls.ResolveFrom(id, rid, resp) {
		b.stats.repliesMatched.Add(1)
		return nil
	}

	if issued, known := b.recent.Lookup(id, rid); known {
		b.stats.lateReplies.Add(1)
		b.logger.Debug().
			Str("device_id", id).
			Uint32("rid", rid).
			Str("type", string(issued.Type)).
			Dur("age", time.Since(issued.IssuedAt)).
			Msg("Dropping late device reply")
		return nil
	}
	b.stats.unknownReplies.Add(1)
	b.logger.Debug().Str("device_id", id).Uint32("rid", rid).Msg("Dropping reply with unknown rid")
	return nil
}

func (b *Bridge) onMessage(topic string, payload []byte) {
	name, err := b.router.Dispatch(topic, payload)
	switch {
	case err != nil:
		b.stats.messagesFailed.Add(1)
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to handle broker message")
	case name == "":
		b.stats.messagesUnmatched.Add(1)
		b.logger.Debug().Str("topic", topic).Msg("No route for topic, dropping")
	default:
		b.stats.messagesRouted.Add(1)
	}
}

// Stats is a snapshot of bridge activity
type Stats struct {
	Connected         bool  `json:"connected"`
	Devices           int   `json:"devices"`
	References        int   `json:"references"`
	PendingCalls      int   `json:"pending_calls"`
	RequestsSent      int64 `json:"requests_sent"`
	RepliesMatched    int64 `json:"replies_matched"`
	LateReplies       int64 `json:"late_replies"`
	UnknownReplies    int64 `json:"unknown_replies"`
	MessagesRouted    int64 `json:"messages_routed"`
	MessagesUnmatched int64 `json:"messages_unmatched"`
	MessagesFailed    int64 `json:"messages_failed"`
	Subscribes        int64 `json:"subscribes"`
	Unsubscribes      int64 `json:"unsubscribes"`
	Reconnects        int64 `json:"reconnects"`
}

// Stats returns current counters
func (b *Bridge) Stats() Stats {
	b.mutex.Lock()
	s := Stats{Connected: b.connected, Devices: len(b.devices)}
	for _, h := range b.devices {
		s.References += h.refs
	}
	b.mutex.Unlock()

	s.PendingCalls = b.calls.Pending()
	s.RequestsSent = b.stats.requestsSent.Load()
	s.RepliesMatched = b.stats.repliesMatched.Load()
	s.LateReplies = b.stats.lateReplies.Load()
	s.UnknownReplies = b.stats.unknownReplies.Load()
	s.MessagesRouted = b.stats.messagesRouted.Load()
	s.MessagesUnmatched = b.stats.messagesUnmatched.Load()
	s.MessagesFailed = b.stats.messagesFailed.Load()
	s.Subscribes = b.stats.subscribes.Load()
	s.Unsubscribes = b.stats.unsubscribes.Load()
	s.Reconnects = b.stats.reconnects.Load()
	return s
}
