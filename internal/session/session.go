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

// Package session serves one client connection: authentication, device
// subscriptions with debounced state pushes, and device calls.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sprinklers/internal/device"
	"sprinklers/internal/logger"
	"sprinklers/internal/protocol"
	"sprinklers/internal/rpc"
)

// AccessToken is the token type a client must present to authenticate
const AccessToken = "access"

// DefaultDebounce is the quiet period before a device update is pushed
const DefaultDebounce = 100 * time.Millisecond

// State of a session
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the client connection a session writes to
type Conn interface {
	Send(data []byte) error
	Close() error
}

// TokenVerifier checks an access token and returns its principal
type TokenVerifier interface {
	Verify(token string, expectedType string) (protocol.User, error)
}

// DeviceDirectory answers permission and addressing questions about
// devices known by their external id
type DeviceDirectory interface {
	UserHasDevice(ctx context.Context, userID int64, deviceID string) (bool, error)
	BrokerID(ctx context.Context, deviceID string) (string, error)
}

// Bridge is the device multiplexer a session acquires devices from
type Bridge interface {
	Acquire(id string) (*device.Device, error)
	Release(id string) error
	Call(ctx context.Context, id string, req device.Request) (*device.Response, error)
	Connected() bool
	OnConnectionChange(fn func(connected bool)) (cancel func())
}

// Dependencies are the collaborators shared by every session
type Dependencies struct {
	Verifier  TokenVerifier
	Directory DeviceDirectory
	Bridge    Bridge
	Debounce  time.Duration
}

type handler func(ctx context.Context, req *protocol.Request) (result any, after func(), err error)

// Session is the server side of one client connection
type Session struct {
	id      string
	conn    Conn
	deps    Dependencies
	logger  zerolog.Logger
	onClose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	calls  *rpc.Table[*device.Response]
	wg     sync.WaitGroup

	mutex        sync.Mutex
	state        State
	user         protocol.User
	subs         map[string]*subscription
	cancelBroker func()

	brokerMutex sync.Mutex
	brokerSent  bool
	brokerLast  bool
}

// New creates a session writing to conn
func New(conn Conn, deps Dependencies) *Session {
	if deps.Debounce <= 0 {
		deps.Debounce = DefaultDebounce
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		conn:   conn,
		deps:   deps,
		logger: logger.GetLogger("session").With().Str("session_id", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
		calls:  rpc.NewTable[*device.Response](),
		subs:   make(map[string]*subscription),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the session state
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// User returns the authenticated principal
func (s *Session) User() (protocol.User, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.user, s.state == StateAuthenticated
}

// Subscriptions returns the ids of subscribed devices
func (s *Session) Subscriptions() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// InFlight returns the number of device calls awaiting a reply
func (s *Session) InFlight() int {
	return s.calls.Pending()
}

// HandleMessage processes one frame from the client. Authentication and
// subscription changes complete before it returns; device calls run
// concurrently and answer when the device does.
func (s *Session) HandleMessage(data []byte) {
	if s.State() == StateClosed {
		return
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Rejected client message")
		s.sendError(err)
		return
	}
	req, ok := msg.(*protocol.Request)
	if !ok {
		s.sendError(protocol.NewError(protocol.ErrBadRequest, "clients may only send requests"))
		return
	}

	h := s.handlerFor(req.Method)
	if req.Method == protocol.MethodDeviceCall {
		s.mutex.Lock()
		if s.state == StateClosed {
			s.mutex.Unlock()
			return
		}
		s.wg.Add(1)
		s.mutex.Unlock()
		go func() {
			defer s.wg.Done()
			s.dispatch(req, h)
		}()
		return
	}
	s.dispatch(req, h)
}

// handlerFor maps a request method to its handler. ParseMessage admits
// only known request methods, leaving deviceCall as the last one.
func (s *Session) handlerFor(method protocol.Method) handler {
	switch method {
	case protocol.MethodAuthenticate:
		return s.authenticate
	case protocol.MethodDeviceSubscribe:
		return s.requireAuth(s.deviceSubscribe)
	case protocol.MethodDeviceUnsubscribe:
		return s.requireAuth(s.deviceUnsubscribe)
	default:
		return s.requireAuth(s.deviceCall)
	}
}

func (s *Session) requireAuth(h handler) handler {
	return func(ctx context.Context, req *protocol.Request) (any, func(), error) {
		if _, ok := s.User(); !ok {
			return nil, nil, protocol.NewError(protocol.ErrUnauthorized, "not authenticated")
		}
		return h(ctx, req)
	}
}

// dispatch runs h and answers req. A panic in h becomes an Internal
// error for this request only.
func (s *Session) dispatch(req *protocol.Request, h handler) {
	start := time.Now()
	result, after, err := s.safely(req, h)

	if err != nil {
		pe := protocol.AsError(err)
		s.logger.Debug().
			Uint32("id", req.ID).
			Str("method", string(req.Method)).
			Int("code", int(pe.Code)).
			Str("error", pe.Message).
			Msg("Request failed")
		s.send(protocol.NewErrorResponse(req.ID, req.Method, pe))
		return
	}

	resp, err := protocol.NewSuccess(req.ID, req.Method, result)
	if err != nil {
		s.send(protocol.NewErrorResponse(req.ID, req.Method, protocol.NewError(protocol.ErrInternal, err.Error())))
		return
	}
	s.send(resp)
	s.logger.Debug().
		Uint32("id", req.ID).
		Str("method", string(req.Method)).
		Dur("duration", time.Since(start)).
		Msg("Request handled")

	if after != nil {
		after()
	}
}

func (s *Session) safely(req *protocol.Request, h handler) (result any, after func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Uint32("id", req.ID).
				Str("method", string(req.Method)).
				Msg("Request handler panicked")
			result, after = nil, nil
			err = protocol.Errorf(protocol.ErrInternal, "internal error handling %s", req.Method)
		}
	}()
	return h(s.ctx, req)
}

func (s *Session) authenticate(_ context.Context, req *protocol.Request) (any, func(), error) {
	var params protocol.AuthenticateParams
	if err := protocol.DecodeParams(req, &params); err != nil {
		return nil, nil, err
	}
	if params.AccessToken == "" {
		return nil, nil, protocol.NewError(protocol.ErrBadRequest, "accessToken is required")
	}

	user, err := s.deps.Verifier.Verify(params.AccessToken, AccessToken)
	if err != nil {
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			err = protocol.NewError(protocol.ErrBadToken, err.Error())
		}
		return nil, nil, err
	}

	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		return nil, nil, protocol.NewError(protocol.ErrServerDisconnected, "session closed")
	}
	first := s.state == StateUnauthenticated
	s.state = StateAuthenticated
	s.user = user
	s.mutex.Unlock()

	s.logger.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("Session authenticated")

	result := protocol.AuthenticateResult{
		Authenticated: true,
		Message:       "authenticated",
		User:          user,
	}
	var after func()
	if first {
		after = s.watchBroker
	}
	return result, after, nil
}

// watchBroker sends the current broker link state and every change
func (s *Session) watchBroker() {
	cancel := s.deps.Bridge.OnConnectionChange(s.pushBrokerState)

	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		cancel()
		return
	}
	s.cancelBroker = cancel
	s.mutex.Unlock()

	s.brokerMutex.Lock()
	defer s.brokerMutex.Unlock()
	s.pushBrokerStateLocked(s.deps.Bridge.Connected())
}

func (s *Session) pushBrokerState(connected bool) {
	s.brokerMutex.Lock()
	defer s.brokerMutex.Unlock()
	s.pushBrokerStateLocked(connected)
}

func (s *Session) pushBrokerStateLocked(connected bool) {
	if s.brokerSent && s.brokerLast == connected {
		return
	}
	s.brokerSent = true
	s.brokerLast = connected
	s.notify(protocol.MethodBrokerConnectionUpdate, protocol.BrokerConnectionUpdate{BrokerConnected: connected})
}

// resolveDevice checks that the user may use deviceID and returns its
// broker id
func (s *Session) resolveDevice(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", protocol.NewError(protocol.ErrBadRequest, "deviceId is required")
	}
	user, _ := s.User()

	allowed, err := s.deps.Directory.UserHasDevice(ctx, user.ID, deviceID)
	if err != nil {
		return "", protocol.Errorf(protocol.ErrInternal, "permission lookup failed: %v", err)
	}
	if !allowed {
		return "", protocol.Errorf(protocol.ErrNoPermission, "no permission for device %s", deviceID)
	}

	brokerID, err := s.deps.Directory.BrokerID(ctx, deviceID)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return "", pe
		}
		return "", protocol.Errorf(protocol.ErrNotFound, "device %s not found: %v", deviceID, err)
	}
	return brokerID, nil
}

func (s *Session) deviceSubscribe(ctx context.Context, req *protocol.Request) (any, func(), error) {
	var params protocol.DeviceParams
	if err := protocol.DecodeParams(req, &params); err != nil {
		return nil, nil, err
	}
	brokerID, err := s.resolveDevice(ctx, params.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	result := protocol.DeviceResult{DeviceID: params.DeviceID}

	s.mutex.Lock()
	if _, exists := s.subs[params.DeviceID]; exists {
		s.mutex.Unlock()
		return result, nil, nil
	}
	s.mutex.Unlock()

	dev, err := s.deps.Bridge.Acquire(brokerID)
	if err != nil {
		return nil, nil, protocol.Errorf(protocol.ErrBrokerDisconnected, "failed to acquire device: %v", err)
	}
	sub := newSubscription(s, params.DeviceID, brokerID, dev)

	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		sub.stop()
		s.deps.Bridge.Release(brokerID)
		return nil, nil, protocol.NewError(protocol.ErrServerDisconnected, "session closed")
	}
	s.subs[params.DeviceID] = sub
	s.mutex.Unlock()

	s.logger.Debug().Str("device_id", params.DeviceID).Str("broker_id", brokerID).Msg("Device subscribed")
	return result, sub.flush, nil
}

func (s *Session) deviceUnsubscribe(_ context.Context, req *protocol.Request) (any, func(), error) {
	var params protocol.DeviceParams
	if err := protocol.DecodeParams(req, &params); err != nil {
		return nil, nil, err
	}
	if params.DeviceID == "" {
		return nil, nil, protocol.NewError(protocol.ErrBadRequest, "deviceId is required")
	}

	s.mutex.Lock()
	sub, exists := s.subs[params.DeviceID]
	delete(s.subs, params.DeviceID)
	s.mutex.Unlock()
	if !exists {
		return nil, nil, protocol.Errorf(protocol.ErrBadRequest, "not subscribed to device %s", params.DeviceID)
	}

	s.unsubscribe(sub)
	s.logger.Debug().Str("device_id", params.DeviceID).Msg("Device unsubscribed")
	return protocol.DeviceResult{DeviceID: params.DeviceID}, nil, nil
}

func (s *Session) unsubscribe(sub *subscription) {
	sub.stop()
	if err := s.deps.Bridge.Release(sub.brokerID); err != nil {
		s.logger.Warn().Err(err).Str("device_id", sub.deviceID).Msg("Failed to release device")
	}
}

func (s *Session) deviceCall(ctx context.Context, req *protocol.Request) (any, func(), error) {
	var params protocol.DeviceCallParams
	if err := protocol.DecodeParams(req, &params); err != nil {
		return nil, nil, err
	}
	brokerID, err := s.resolveDevice(ctx, params.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	deviceReq, err := device.ParseRequest(params.Data)
	if err != nil {
		return nil, nil, err
	}

	id, future := s.calls.Register(s.id, 0)
	go func() {
		resp, err := s.deps.Bridge.Call(ctx, brokerID, deviceReq)
		if err != nil {
			s.calls.Reject(id, err)
			return
		}
		s.calls.Resolve(id, resp)
	}()

	resp, err := future.Wait(context.Background())
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, protocol.Errorf(protocol.ErrInternal, "failed to encode device reply: %v", err)
	}
	return protocol.DeviceCallResult{Data: data}, nil, nil
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal message")
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send message")
	}
}

func (s *Session) notify(method protocol.Method, data any) {
	n, err := protocol.NewNotification(method, data)
	if err != nil {
		s.logger.Error().Err(err).Str("method", string(method)).Msg("Failed to build notification")
		return
	}
	s.send(n)
}

func (s *Session) sendError(err error) {
	s.send(protocol.NewErrorNotification(err))
}

// Close releases every subscription and fails every in-flight call. It
// is safe to call more than once.
func (s *Session) Close() error {
	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		return nil
	}
	s.state = StateClosed
	subs := s.subs
	s.subs = make(map[string]*subscription)
	cancelBroker := s.cancelBroker
	s.cancelBroker = nil
	s.mutex.Unlock()

	if cancelBroker != nil {
		cancelBroker()
	}
	for _, sub := range subs {
		s.unsubscribe(sub)
	}
	rejected := s.calls.RejectOwner(s.id, protocol.NewError(protocol.ErrServerDisconnected, "session closed"))
	s.cancel()
	s.wg.Wait()

	err := s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	s.logger.Info().
		Int("subscriptions", len(subs)).
		Int("rejected_calls", rejected).
		Msg("Session closed")
	return err
}

// subscription pushes one device's state to the session
type subscription struct {
	session  *Session
	deviceID string
	brokerID string
	device   *device.Device

	debouncer *debouncer
	cancel    func()

	mutex   sync.Mutex
	last    []byte
	stopped bool
}

func newSubscription(s *Session, deviceID, brokerID string, dev *device.Device) *subscription {
	sub := &subscription{
		session:  s,
		deviceID: deviceID,
		brokerID: brokerID,
		device:   dev,
	}
	sub.debouncer = newDebouncer(s.deps.Debounce, sub.flush)
	sub.cancel = dev.Observe(sub.debouncer.trigger)
	return sub
}

// flush pushes the device state if it differs from the last push
func (sub *subscription) flush() {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()
	if sub.stopped {
		return
	}

	state := sub.device.Snapshot()
	state.ID = sub.deviceID
	state.ConnectionState.HasPermission = device.True
	data, err := json.Marshal(state)
	if err != nil {
		sub.session.logger.Error().Err(err).Str("device_id", sub.deviceID).Msg("Failed to marshal device state")
		return
	}
	if bytes.Equal(data, sub.last) {
		return
	}
	sub.last = data
	sub.session.notify(protocol.MethodDeviceUpdate, protocol.DeviceUpdate{DeviceID: sub.deviceID, Data: data})
}

func (sub *subscription) stop() {
	sub.cancel()
	sub.debouncer.stop()
	sub.mutex.Lock()
	sub.stopped = true
	sub.mutex.Unlock()
}
