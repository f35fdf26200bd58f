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

// Package client talks to a gateway over WebSocket. It keeps a local
// mirror of every device it watches and reconnects after failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"sprinklers/internal/device"
	"sprinklers/internal/logger"
	"sprinklers/internal/protocol"
	"sprinklers/internal/rpc"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	maxFrameSize = 1 << 20
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("client closed")

// TokenSource returns the access token to authenticate with. It is
// called on every (re)connect.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Option configures a Client
type Option func(*Client)

// WithReconnectDelay sets the fixed delay between connection attempts
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// WithRequestTimeout bounds every request and the dial
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithDialer replaces the default WebSocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

type mirror struct {
	device *device.Device
	refs   int
}

// Client is a gateway connection shared by every device it mirrors
type Client struct {
	url            string
	token          TokenSource
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	requestTimeout time.Duration
	calls          *rpc.Table[*protocol.Response]
	logger         zerolog.Logger

	mutex           sync.Mutex
	conn            *websocket.Conn
	generation      uint64
	authenticated   bool
	user            protocol.User
	link            device.Tristate
	brokerConnected device.Tristate
	devices         map[string]*mirror
	running         bool
	closed          bool
	reconnect       *time.Timer
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup

	writeMutex sync.Mutex
}

// New creates a client for the gateway WebSocket at url
func New(url string, token TokenSource, options ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:            url,
		token:          token,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		requestTimeout: DefaultRequestTimeout,
		calls:          rpc.NewTable[*protocol.Response](),
		logger:         logger.GetLogger("client"),
		devices:        make(map[string]*mirror),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Start connects and authenticates. A failed first attempt is returned
// but retries continue in the background until Close.
func (c *Client) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mutex.Unlock()
		return fmt.Errorf("client is already running")
	}
	c.running = true
	c.mutex.Unlock()

	c.logger.Info().Str("url", c.url).Msg("Starting client")
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setLink(device.Unknown)

	dialCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status: %s)", err, resp.Status)
		}
		c.logger.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("Failed to connect to gateway")
		c.setLink(device.False)
		c.scheduleReconnect()
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.wg.Add(1)
	c.mutex.Unlock()

	go c.readLoop(conn, gen)

	if err := c.handshake(ctx, gen); err != nil {
		c.logger.Warn().Err(err).Msg("Gateway handshake failed")
		c.dropConnection(gen, err)
		return err
	}
	return nil
}

// handshake authenticates the new connection and subscribes every device
// that still has references
func (c *Client) handshake(ctx context.Context, gen uint64) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	var result protocol.AuthenticateResult
	params := protocol.AuthenticateParams{AccessToken: token}
	if err := c.call(ctx, protocol.MethodAuthenticate, params, &result); err != nil {
		return err
	}

	c.mutex.Lock()
	if gen != c.generation || c.conn == nil {
		c.mutex.Unlock()
		return protocol.NewError(protocol.ErrServerDisconnected, "connection lost during authentication")
	}
	c.authenticated = true
	c.user = result.User
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	c.mutex.Unlock()

	c.setLink(device.True)
	c.logger.Info().
		Str("username", result.User.Username).
		Int("device_count", len(ids)).
		Msg("Connected to gateway")

	for _, id := range ids {
		if err := c.subscribe(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("device_id", id).Msg("Failed to resubscribe")
		}
	}
	return nil
}

func (c *Client) scheduleReconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.running || c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.reconnectDelay, func() {
		c.mutex.Lock()
		c.reconnect = nil
		running := c.running
		c.mutex.Unlock()
		if running {
			c.connect(c.ctx)
		}
	})
}

// dropConnection tears down connection gen once; later calls for the
// same or an older connection do nothing
func (c *Client) dropConnection(gen uint64, cause error) {
	c.mutex.Lock()
	if gen != c.generation || c.conn == nil {
		c.mutex.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.authenticated = false
	c.brokerConnected = device.Unknown
	running := c.running
	c.mutex.Unlock()

	conn.Close()
	failed := c.calls.RejectOwner(owner(gen),
		protocol.NewError(protocol.ErrServerDisconnected, "connection to gateway lost"))
	c.setLink(device.False)
	c.setBrokerLink(device.Unknown)

	if running {
		c.logger.Warn().
			Err(cause).
			Int("failed_requests", failed).
			Dur("retry_in", c.reconnectDelay).
			Msg("Gateway connection lost")
		c.scheduleReconnect()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring malformed frame")
		return
	}

	switch m := msg.(type) {
	case *protocol.Response:
		if !c.calls.ResolveFrom(owner(gen), m.ID, m) {
			c.logger.Debug().Uint32("id", m.ID).Str("method", string(m.Method)).Msg("Discarding response to unknown request")
		}
	case *protocol.Notification:
		if err := c.handleNotification(m); err != nil {
			c.logger.Debug().Err(err).Str("method", string(m.Method)).Msg("Ignoring invalid notification")
		}
	default:
		c.logger.Debug().Msg("Ignoring request from gateway")
	}
}

func (c *Client) handleNotification(n *protocol.Notification) error {
	switch n.Method {
	case protocol.MethodBrokerConnectionUpdate:
		var update protocol.BrokerConnectionUpdate
		if err := json.Unmarshal(n.Data, &update); err != nil {
			return err
		}
		c.logger.Debug().Bool("broker_connected", update.BrokerConnected).Msg("Broker connection update")
		c.setBrokerLink(device.TristateOf(update.BrokerConnected))

	case protocol.MethodDeviceUpdate:
		var update protocol.DeviceUpdate
		if err := json.Unmarshal(n.Data, &update); err != nil {
			return err
		}
		d := c.lookup(update.DeviceID)
		if d == nil {
			return nil
		}
		data, err := withoutClientLink(update.Data)
		if err != nil {
			return err
		}
		return d.ApplyUpdate(data)

	case protocol.MethodError:
		var pe protocol.Error
		if err := json.Unmarshal(n.Data, &pe); err != nil {
			return err
		}
		c.logger.Warn().Err(&pe).Msg("Gateway reported an error")
	}
	return nil
}

// withoutClientLink drops connectionState.clientToServer from a device
// snapshot; only this side knows the state of its own link.
func withoutClientLink(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("device update must be an object: %w", err)
	}
	cs, ok := fields["connectionState"]
	if !ok {
		return raw, nil
	}
	var links map[string]json.RawMessage
	if err := json.Unmarshal(cs, &links); err != nil {
		return nil, fmt.Errorf("invalid connectionState: %w", err)
	}
	delete(links, "clientToServer")
	fields["connectionState"], _ = json.Marshal(links)
	return json.Marshal(fields)
}

func owner(gen uint64) string {
	return fmt.Sprintf("conn-%d", gen)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// call sends one request on the current connection and decodes a
// successful result into out
func (c *Client) call(ctx context.Context, method protocol.Method, params, out any) error {
	c.mutex.Lock()
	conn, gen := c.conn, c.generation
	c.mutex.Unlock()
	if conn == nil {
		return protocol.NewError(protocol.ErrServerDisconnected, "not connected to gateway")
	}

	id, future := c.calls.Register(owner(gen), c.requestTimeout)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.calls.Reject(id, err)
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.calls.Reject(id, err)
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	if err := c.write(conn, data); err != nil {
		c.calls.Reject(id, err)
		return protocol.Errorf(protocol.ErrServerDisconnected, "failed to send %s: %v", method, err)
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		c.calls.Reject(id, err)
		return protocol.AsError(err)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("invalid %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, id string) error {
	err := c.call(ctx, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: id}, nil)
	d := c.lookup(id)
	if d == nil {
		return err
	}
	switch protocol.CodeOf(err) {
	case protocol.ErrNoPermission, protocol.ErrNotFound:
		d.SetHasPermission(device.False)
	}
	return err
}

// Device returns the mirror of id and takes a reference on it. The first
// reference subscribes; errors that retrying cannot fix drop the
// reference again and are returned.
func (c *Client) Device(ctx context.Context, id string) (*device.Device, error) {
	c.mutex.Lock()
	m, ok := c.devices[id]
	if !ok {
		m = &mirror{device: device.New(id)}
		m.device.SetClientToServer(c.link)
		m.device.SetServerToBroker(c.brokerConnected)
		c.devices[id] = m
	}
	m.refs++
	first := m.refs == 1
	authenticated := c.authenticated
	c.mutex.Unlock()

	if !first || !authenticated {
		return m.device, nil
	}
	if err := c.subscribe(ctx, id); err != nil && !protocol.IsTransient(err) {
		c.release(id)
		return nil, err
	}
	return m.device, nil
}

// ReleaseDevice drops a reference taken by Device. The last reference
// unsubscribes.
func (c *Client) ReleaseDevice(ctx context.Context, id string) error {
	if !c.release(id) {
		return nil
	}
	c.mutex.Lock()
	authenticated := c.authenticated
	c.mutex.Unlock()
	if !authenticated {
		return nil
	}
	return c.call(ctx, protocol.MethodDeviceUnsubscribe, protocol.DeviceParams{DeviceID: id}, nil)
}

// release reports whether the last reference was dropped
func (c *Client) release(id string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	m, ok := c.devices[id]
	if !ok {
		return false
	}
	m.refs--
	if m.refs > 0 {
		return false
	}
	delete(c.devices, id)
	return true
}

// DeviceCall sends req to device id and returns its reply. A device that
// answers with an error is reported as a *protocol.Error.
func (c *Client) DeviceCall(ctx context.Context, id string, req device.Request) (*device.Response, error) {
	data, err := device.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	var result protocol.DeviceCallResult
	params := protocol.DeviceCallParams{DeviceID: id, Data: data}
	if err := c.call(ctx, protocol.MethodDeviceCall, params, &result); err != nil {
		return nil, err
	}

	var resp device.Response
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return nil, fmt.Errorf("invalid device reply: %w", err)
	}
	return &resp, resp.Err()
}

func (c *Client) lookup(id string) *device.Device {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if m, ok := c.devices[id]; ok {
		return m.device
	}
	return nil
}

func (c *Client) mirrors() []*device.Device {
	out := make([]*device.Device, 0, len(c.devices))
	for _, m := range c.devices {
		out = append(out, m.device)
	}
	return out
}

// setLink records the state of the gateway link on the client and every
// mirror
func (c *Client) setLink(v device.Tristate) {
	c.mutex.Lock()
	c.link = v
	devices := c.mirrors()
	c.mutex.Unlock()

	for _, d := range devices {
		d.SetClientToServer(v)
	}
}

func (c *Client) setBrokerLink(v device.Tristate) {
	c.mutex.Lock()
	c.brokerConnected = v
	devices := c.mirrors()
	c.mutex.Unlock()

	for _, d := range devices {
		d.SetServerToBroker(v)
	}
}

// Authenticated reports whether the current connection is authenticated
func (c *Client) Authenticated() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.authenticated
}

// User returns the user of the last successful authentication
func (c *Client) User() protocol.User {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.user
}

// Link returns the state of the connection to the gateway
func (c *Client) Link() device.Tristate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.link
}

// BrokerConnected returns the gateway's broker link as last reported
func (c *Client) BrokerConnected() device.Tristate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.brokerConnected
}

// Refs returns the number of references held on device id
func (c *Client) Refs(id string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if m, ok := c.devices[id]; ok {
		return m.refs
	}
	return 0
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	return c.calls.Pending()
}

// Close disconnects, fails every pending request and stops reconnecting
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.authenticated = false
	c.mutex.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMutex.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMutex.Unlock()
		conn.Close()
	}
	c.calls.RejectAll(protocol.NewError(protocol.ErrServerDisconnected, ErrClosed.Error()))
	c.wg.Wait()
	c.setLink(device.False)

	c.logger.Info().Msg("Client closed")
	return nil
}
