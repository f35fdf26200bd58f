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

package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sprinklers/internal/broker"
	"sprinklers/internal/device"
	"sprinklers/internal/network"
	"sprinklers/internal/protocol"
	"sprinklers/internal/session"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	mutex  sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) response(id uint32) (*protocol.Response, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, frame := range c.frames {
		msg, err := protocol.ParseMessage(frame)
		if err != nil {
			continue
		}
		if resp, ok := msg.(*protocol.Response); ok && resp.ID == id {
			return resp, true
		}
	}
	return nil, false
}

func (c *fakeConn) notifications(method protocol.Method) []*protocol.Notification {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out []*protocol.Notification
	for _, frame := range c.frames {
		msg, err := protocol.ParseMessage(frame)
		if err != nil {
			continue
		}
		if n, ok := msg.(*protocol.Notification); ok && n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

// waitResponse returns the response to request id
func (c *fakeConn) waitResponse(t *testing.T, id uint32) *protocol.Response {
	t.Helper()
	var resp *protocol.Response
	require.Eventually(t, func() bool {
		var ok bool
		resp, ok = c.response(id)
		return ok
	}, waitFor, 5*time.Millisecond)
	return resp
}

func (c *fakeConn) deviceStates() []device.State {
	var states []device.State
	for _, n := range c.notifications(protocol.MethodDeviceUpdate) {
		var update protocol.DeviceUpdate
		if err := json.Unmarshal(n.Data, &update); err != nil {
			continue
		}
		var state device.State
		if err := json.Unmarshal(update.Data, &state); err != nil {
			continue
		}
		states = append(states, state)
	}
	return states
}

type fakeVerifier map[string]protocol.User

func (v fakeVerifier) Verify(token string, expectedType string) (protocol.User, error) {
	if expectedType != session.AccessToken {
		return protocol.User{}, fmt.Errorf("unexpected token type %s", expectedType)
	}
	user, ok := v[token]
	if !ok {
		return protocol.User{}, errors.New("token signature is invalid")
	}
	return user, nil
}

// fakeDirectory maps external ids to broker ids. Device "boom" panics.
type fakeDirectory struct {
	grants  map[int64][]string
	devices map[string]string
}

func (d fakeDirectory) UserHasDevice(_ context.Context, userID int64, deviceID string) (bool, error) {
	if deviceID == "boom" {
		panic("directory exploded")
	}
	for _, id := range d.grants[userID] {
		if id == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (d fakeDirectory) BrokerID(_ context.Context, deviceID string) (string, error) {
	id, ok := d.devices[deviceID]
	if !ok {
		return "", protocol.Errorf(protocol.ErrNotFound, "device %s not found", deviceID)
	}
	return id, nil
}

type fixture struct {
	mb      *network.MemoryBroker
	bridge  *broker.Bridge
	manager *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mb := network.NewMemoryBroker()
	bridge, err := broker.NewBridge(mb.NewTransport("gateway"),
		broker.WithCallTimeout(time.Minute),
		broker.WithReconnectDelay(20*time.Millisecond),
		broker.WithSubscribeTimeout(time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, bridge.Start(context.Background()))
	t.Cleanup(func() { bridge.Close() })

	manager := session.NewManager(session.Dependencies{
		Verifier: fakeVerifier{
			"alice-token": {ID: 1, Username: "alice", Name: "Alice"},
			"bob-token":   {ID: 2, Username: "bob", Name: "Bob"},
		},
		Directory: fakeDirectory{
			grants: map[int64][]string{
				1: {"front", "back", "boom"},
				2: {"front"},
			},
			devices: map[string]string{"front": "dev1", "back": "dev2"},
		},
		Bridge:   bridge,
		Debounce: 20 * time.Millisecond,
	})
	t.Cleanup(manager.CloseAll)
	return &fixture{mb: mb, bridge: bridge, manager: manager}
}

func request(t *testing.T, id uint32, method protocol.Method, params any) []byte {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func (f *fixture) open(t *testing.T, token string) (*session.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := f.manager.Open(conn)
	s.HandleMessage(request(t, 1, protocol.MethodAuthenticate, protocol.AuthenticateParams{AccessToken: token}))
	resp := conn.waitResponse(t, 1)
	require.True(t, resp.Succeeded(), "authenticate failed: %v", resp.Err())
	return s, conn
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	t.Run("requests before authenticate are unauthorized", func(t *testing.T) {
		conn := &fakeConn{}
		s := f.manager.Open(conn)
		defer s.Close()

		for i, method := range []protocol.Method{
			protocol.MethodDeviceSubscribe,
			protocol.MethodDeviceUnsubscribe,
			protocol.MethodDeviceCall,
		} {
			id := uint32(10 + i)
			s.HandleMessage(request(t, id, method, protocol.DeviceParams{DeviceID: "front"}))
			resp := conn.waitResponse(t, id)
			assert.Equal(t, protocol.ErrUnauthorized, protocol.CodeOf(resp.Err()), "method %s", method)
			assert.Equal(t, method, resp.Method)
		}
		assert.Equal(t, session.StateUnauthenticated, s.State())
		assert.Equal(t, 0, f.bridge.Refs("dev1"))
	})

	t.Run("bad token", func(t *testing.T) {
		conn := &fakeConn{}
		s := f.manager.Open(conn)
		defer s.Close()

		s.HandleMessage(request(t, 1, protocol.MethodAuthenticate, protocol.AuthenticateParams{AccessToken: "forged"}))
		resp := conn.waitResponse(t, 1)
		assert.Equal(t, protocol.ErrBadToken, protocol.CodeOf(resp.Err()))
		assert.Equal(t, session.StateUnauthenticated, s.State())
	})

	t.Run("success reports the user and broker state", func(t *testing.T) {
		s, conn := f.open(t, "alice-token")
		defer s.Close()

		resp, _ := conn.response(1)
		var result protocol.AuthenticateResult
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		assert.True(t, result.Authenticated)
		assert.Equal(t, "alice", result.User.Username)
		assert.Equal(t, session.StateAuthenticated, s.State())

		require.Eventually(t, func() bool {
			return len(conn.notifications(protocol.MethodBrokerConnectionUpdate)) == 1
		}, waitFor, 5*time.Millisecond)
		var update protocol.BrokerConnectionUpdate
		require.NoError(t, json.Unmarshal(conn.notifications(protocol.MethodBrokerConnectionUpdate)[0].Data, &update))
		assert.True(t, update.BrokerConnected)
	})
}

func TestMalformedMessages(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open(t, "alice-token")
	defer s.Close()

	tests := []struct {
		name  string
		frame string
		code  protocol.ErrorCode
	}{
		{"not json", `{"type":`, protocol.ErrParse},
		{"unknown method", `{"type":"request","id":5,"method":"floodGarden"}`, protocol.ErrNotImplemented},
		{"missing type", `{"id":6,"method":"deviceCall"}`, protocol.ErrBadRequest},
		{"notification from client", `{"type":"notification","method":"deviceUpdate","data":{}}`, protocol.ErrBadRequest},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.HandleMessage([]byte(tt.frame))
			var errs []*protocol.Notification
			require.Eventually(t, func() bool {
				errs = conn.notifications(protocol.MethodError)
				return len(errs) == i+1
			}, waitFor, 5*time.Millisecond)

			var pe protocol.Error
			require.NoError(t, json.Unmarshal(errs[i].Data, &pe))
			assert.Equal(t, tt.code, pe.Code)
		})
	}

	t.Run("bad params answer the request", func(t *testing.T) {
		s.HandleMessage([]byte(`{"type":"request","id":7,"method":"deviceSubscribe","params":{"deviceId":12}}`))
		resp := conn.waitResponse(t, 7)
		assert.Equal(t, protocol.ErrBadRequest, protocol.CodeOf(resp.Err()))
	})

	t.Run("session survives a handler panic", func(t *testing.T) {
		s.HandleMessage(request(t, 8, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "boom"}))
		resp := conn.waitResponse(t, 8)
		assert.Equal(t, protocol.ErrInternal, protocol.CodeOf(resp.Err()))
		assert.Equal(t, protocol.MethodDeviceSubscribe, resp.Method)

		s.HandleMessage(request(t, 9, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		assert.True(t, conn.waitResponse(t, 9).Succeeded())
	})
}

func TestSubscriptions(t *testing.T) {
	t.Run("permission is checked", func(t *testing.T) {
		f := newFixture(t)
		s, conn := f.open(t, "bob-token")
		defer s.Close()

		s.HandleMessage(request(t, 2, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "back"}))
		assert.Equal(t, protocol.ErrNoPermission, protocol.CodeOf(conn.waitResponse(t, 2).Err()))
		assert.Equal(t, 0, f.bridge.Refs("dev2"))

		s.HandleMessage(request(t, 3, protocol.MethodDeviceUnsubscribe, protocol.DeviceParams{DeviceID: "front"}))
		assert.Equal(t, protocol.ErrBadRequest, protocol.CodeOf(conn.waitResponse(t, 3).Err()))
	})

	t.Run("subscribe pushes the current state", func(t *testing.T) {
		f := newFixture(t)
		f.mb.PublishRetained("devices/dev1/connected", []byte("true"))
		f.mb.PublishRetained("devices/dev1/sections", []byte("1"))
		f.mb.PublishRetained("devices/dev1/sections/0", []byte(`{"id":0,"name":"Lawn","state":false}`))

		s, conn := f.open(t, "alice-token")
		defer s.Close()
		s.HandleMessage(request(t, 2, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		require.True(t, conn.waitResponse(t, 2).Succeeded())

		require.Eventually(t, func() bool {
			states := conn.deviceStates()
			if len(states) == 0 {
				return false
			}
			last := states[len(states)-1]
			return len(last.Sections) == 1 && last.ConnectionState.BrokerToDevice == device.True
		}, waitFor, 5*time.Millisecond)

		states := conn.deviceStates()
		last := states[len(states)-1]
		assert.Equal(t, "front", last.ID)
		assert.Equal(t, "Lawn", last.Sections[0].Name)
		assert.Equal(t, device.True, last.ConnectionState.HasPermission)
		assert.Equal(t, []string{"front"}, s.Subscriptions())
		assert.Equal(t, 1, f.bridge.Refs("dev1"))

		s.HandleMessage(request(t, 3, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		require.True(t, conn.waitResponse(t, 3).Succeeded())
		assert.Equal(t, 1, f.bridge.Refs("dev1"))

		s.HandleMessage(request(t, 4, protocol.MethodDeviceUnsubscribe, protocol.DeviceParams{DeviceID: "front"}))
		require.True(t, conn.waitResponse(t, 4).Succeeded())
		assert.Equal(t, 0, f.bridge.Refs("dev1"))
		assert.Empty(t, s.Subscriptions())
	})

	t.Run("one change is one debounced update per session", func(t *testing.T) {
		f := newFixture(t)
		f.mb.PublishRetained("devices/dev1/connected", []byte("true"))
		f.mb.PublishRetained("devices/dev1/sections", []byte("1"))
		f.mb.PublishRetained("devices/dev1/sections/0", []byte(`{"id":0,"name":"Lawn","state":false}`))

		alice, aliceConn := f.open(t, "alice-token")
		defer alice.Close()
		bob, bobConn := f.open(t, "bob-token")
		defer bob.Close()

		settled := func(conn *fakeConn) func() bool {
			return func() bool {
				states := conn.deviceStates()
				if len(states) == 0 {
					return false
				}
				last := states[len(states)-1]
				return len(last.Sections) == 1 &&
					last.ConnectionState.BrokerToDevice == device.True &&
					last.ConnectionState.ServerToBroker == device.True
			}
		}
		for _, sc := range []struct {
			s    *session.Session
			conn *fakeConn
		}{{alice, aliceConn}, {bob, bobConn}} {
			sc.s.HandleMessage(request(t, 2, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
			require.True(t, sc.conn.waitResponse(t, 2).Succeeded())
			require.Eventually(t, settled(sc.conn), waitFor, 5*time.Millisecond)
		}
		assert.Equal(t, 2, f.bridge.Refs("dev1"))

		// let any pending flush of the settled state run out
		time.Sleep(100 * time.Millisecond)
		aliceBefore := len(aliceConn.deviceStates())
		bobBefore := len(bobConn.deviceStates())

		f.mb.Publish("devices/dev1/sections/0/state", []byte("true"))

		for _, conn := range []*fakeConn{aliceConn, bobConn} {
			require.Eventually(t, func() bool {
				states := conn.deviceStates()
				return states[len(states)-1].Sections[0].State
			}, waitFor, 5*time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, aliceConn.deviceStates(), aliceBefore+1)
		assert.Len(t, bobConn.deviceStates(), bobBefore+1)
	})
}

// answerRequests replies to every request for broker id with result
func answerRequests(t *testing.T, mb *network.MemoryBroker, id string, result map[string]any) {
	t.Helper()
	transport := mb.NewTransport("device-" + id)
	transport.SetHandlers(network.Handlers{OnMessage: func(_ string, payload []byte) {
		if result == nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		reply := map[string]any{"rid": req["rid"]}
		for k, v := range result {
			reply[k] = v
		}
		out, _ := json.Marshal(reply)
		transport.Publish(context.Background(), "devices/"+id+"/responses", out)
	}})
	require.NoError(t, transport.Connect(context.Background()))
	require.NoError(t, transport.Subscribe(context.Background(), "devices/"+id+"/requests"))
	t.Cleanup(transport.Disconnect)
}

func TestDeviceCall(t *testing.T) {
	t.Run("reply is relayed", func(t *testing.T) {
		f := newFixture(t)
		answerRequests(t, f.mb, "dev1", map[string]any{"result": "success", "type": "runSection", "runId": 3})
		s, conn := f.open(t, "alice-token")
		defer s.Close()

		s.HandleMessage(request(t, 2, protocol.MethodDeviceCall, protocol.DeviceCallParams{
			DeviceID: "front",
			Data:     json.RawMessage(`{"type":"runSection","sectionId":0,"duration":30}`),
		}))
		resp := conn.waitResponse(t, 2)
		require.True(t, resp.Succeeded(), "call failed: %v", resp.Err())

		var result protocol.DeviceCallResult
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		var reply device.Response
		require.NoError(t, json.Unmarshal(result.Data, &reply))
		assert.Equal(t, device.ResultSuccess, reply.Result)
		assert.Equal(t, json.RawMessage("3"), reply.Extra["runId"])
		assert.Equal(t, 0, s.InFlight())
	})

	t.Run("invalid device request", func(t *testing.T) {
		f := newFixture(t)
		s, conn := f.open(t, "alice-token")
		defer s.Close()

		s.HandleMessage(request(t, 2, protocol.MethodDeviceCall, protocol.DeviceCallParams{
			DeviceID: "front",
			Data:     json.RawMessage(`{"type":"runSection"}`),
		}))
		assert.Equal(t, protocol.ErrBadRequest, protocol.CodeOf(conn.waitResponse(t, 2).Err()))

		s.HandleMessage(request(t, 3, protocol.MethodDeviceCall, protocol.DeviceCallParams{
			DeviceID: "front",
			Data:     json.RawMessage(`{"type":"floodGarden"}`),
		}))
		assert.Equal(t, protocol.ErrNotImplemented, protocol.CodeOf(conn.waitResponse(t, 3).Err()))
		assert.Equal(t, 0, f.bridge.Stats().PendingCalls)

		s.HandleMessage(request(t, 4, protocol.MethodDeviceCall, protocol.DeviceCallParams{
			DeviceID: "elsewhere",
			Data:     json.RawMessage(`{"type":"cancelProgram","programId":0}`),
		}))
		assert.Equal(t, protocol.ErrNoPermission, protocol.CodeOf(conn.waitResponse(t, 4).Err()))
	})

	t.Run("close fails calls and releases devices", func(t *testing.T) {
		f := newFixture(t)
		answerRequests(t, f.mb, "dev1", nil)
		s, conn := f.open(t, "alice-token")

		s.HandleMessage(request(t, 2, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		require.True(t, conn.waitResponse(t, 2).Succeeded())
		s.HandleMessage(request(t, 3, protocol.MethodDeviceCall, protocol.DeviceCallParams{
			DeviceID: "front",
			Data:     json.RawMessage(`{"type":"pauseSectionRunner","paused":true}`),
		}))
		require.Eventually(t, func() bool { return s.InFlight() == 1 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, 1, f.manager.Count())

		require.NoError(t, s.Close())
		resp, ok := conn.response(3)
		require.True(t, ok)
		assert.Equal(t, protocol.ErrServerDisconnected, protocol.CodeOf(resp.Err()))
		assert.Equal(t, session.StateClosed, s.State())
		assert.Equal(t, 0, f.bridge.Refs("dev1"))
		assert.Equal(t, 0, f.manager.Count())
		assert.NoError(t, s.Close())

		s.HandleMessage(request(t, 4, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		_, ok = conn.response(4)
		assert.False(t, ok)
	})

	t.Run("calls arriving while closing never succeed", func(t *testing.T) {
		f := newFixture(t)
		answerRequests(t, f.mb, "dev1", nil)
		s, conn := f.open(t, "alice-token")

		s.HandleMessage(request(t, 2, protocol.MethodDeviceSubscribe, protocol.DeviceParams{DeviceID: "front"}))
		require.True(t, conn.waitResponse(t, 2).Succeeded())

		frames := make([][]byte, 0, 50)
		for id := uint32(10); id < 60; id++ {
			frames = append(frames, request(t, id, protocol.MethodDeviceCall, protocol.DeviceCallParams{
				DeviceID: "front",
				Data:     json.RawMessage(`{"type":"pauseSectionRunner","paused":true}`),
			}))
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, frame := range frames {
				s.HandleMessage(frame)
			}
		}()
		require.NoError(t, s.Close())
		wg.Wait()

		assert.Equal(t, session.StateClosed, s.State())
		assert.Equal(t, 0, f.bridge.Refs("dev1"))
		for id := uint32(10); id < 60; id++ {
			if resp, ok := conn.response(id); ok {
				assert.False(t, resp.Succeeded())
			}
		}
	})
}

func TestBrokerConnectionUpdates(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open(t, "alice-token")
	defer s.Close()

	values := func() []bool {
		var out []bool
		for _, n := range conn.notifications(protocol.MethodBrokerConnectionUpdate) {
			var update protocol.BrokerConnectionUpdate
			if err := json.Unmarshal(n.Data, &update); err == nil {
				out = append(out, update.BrokerConnected)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(values()) == 1 }, waitFor, 5*time.Millisecond)

	f.mb.Sever(errors.New("broker restarted"))
	require.Eventually(t, func() bool {
		v := values()
		return len(v) >= 3 && !v[1] && v[len(v)-1]
	}, waitFor, 5*time.Millisecond)

	v := values()
	for i := 1; i < len(v); i++ {
		assert.NotEqual(t, v[i-1], v[i], "repeated broker state at %d", i)
	}
}
