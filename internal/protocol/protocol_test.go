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

package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sprinklers/internal/protocol"
	"sprinklers/internal/rpc"
)

func TestParseMessage(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		raw := `{"type":"request","id":7,"method":"deviceCall","params":{"deviceId":"dev1","data":{"type":"runSection","sectionId":2,"duration":300}}}`
		msg, err := protocol.ParseMessage([]byte(raw))
		require.NoError(t, err)

		req, ok := msg.(*protocol.Request)
		require.True(t, ok)
		assert.Equal(t, uint32(7), req.ID)
		assert.Equal(t, protocol.MethodDeviceCall, req.Method)

		var params protocol.DeviceCallParams
		require.NoError(t, protocol.DecodeParams(req, &params))
		assert.Equal(t, "dev1", params.DeviceID)
		assert.JSONEq(t, `{"type":"runSection","sectionId":2,"duration":300}`, string(params.Data))
	})

	t.Run("response", func(t *testing.T) {
		raw := `{"type":"response","id":3,"method":"authenticate","result":"error","error":{"code":111,"message":"expired"}}`
		msg, err := protocol.ParseMessage([]byte(raw))
		require.NoError(t, err)

		resp := msg.(*protocol.Response)
		assert.False(t, resp.Succeeded())
		assert.Equal(t, protocol.ErrBadToken, protocol.CodeOf(resp.Err()))
	})

	t.Run("notification", func(t *testing.T) {
		raw := `{"type":"notification","method":"brokerConnectionUpdate","data":{"brokerConnected":true}}`
		msg, err := protocol.ParseMessage([]byte(raw))
		require.NoError(t, err)

		n := msg.(*protocol.Notification)
		var update protocol.BrokerConnectionUpdate
		require.NoError(t, json.Unmarshal(n.Data, &update))
		assert.True(t, update.BrokerConnected)
	})

	tests := []struct {
		name string
		raw  string
		code protocol.ErrorCode
	}{
		{"invalid json", `{"type":`, protocol.ErrParse},
		{"missing type", `{"id":1,"method":"authenticate"}`, protocol.ErrBadRequest},
		{"unknown type", `{"type":"event","method":"x"}`, protocol.ErrBadRequest},
		{"unknown request method", `{"type":"request","id":4,"method":"reboot"}`, protocol.ErrNotImplemented},
		{"empty request method", `{"type":"request","id":4}`, protocol.ErrBadRequest},
		{"id of wrong type", `{"type":"request","id":"seven","method":"authenticate"}`, protocol.ErrBadRequest},
		{"notification method as request", `{"type":"request","id":1,"method":"deviceUpdate"}`, protocol.ErrNotImplemented},
		{"unknown notification", `{"type":"notification","method":"ping"}`, protocol.ErrNotImplemented},
		{"bad response result", `{"type":"response","id":1,"method":"deviceCall","result":"maybe"}`, protocol.ErrBadRequest},
		{"error response without body", `{"type":"response","id":1,"method":"deviceCall","result":"error"}`, protocol.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ParseMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.code, protocol.CodeOf(err))
		})
	}

	t.Run("unknown method keeps request id", func(t *testing.T) {
		_, err := protocol.ParseMessage([]byte(`{"type":"request","id":9,"method":"reboot"}`))
		var pe *protocol.Error
		require.True(t, errors.As(err, &pe))

		out, merr := json.Marshal(pe)
		require.NoError(t, merr)
		assert.JSONEq(t, `{"code":120,"message":"unknown request method: reboot","data":{"id":9,"method":"reboot"}}`, string(out))
	})
}

func TestBuilders(t *testing.T) {
	t.Run("success response", func(t *testing.T) {
		resp, err := protocol.NewSuccess(7, protocol.MethodDeviceCall, protocol.DeviceCallResult{
			Data: json.RawMessage(`{"result":"success","runId":14}`),
		})
		require.NoError(t, err)

		out, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"response","id":7,"method":"deviceCall","result":"success","data":{"data":{"result":"success","runId":14}}}`, string(out))
	})

	t.Run("error response", func(t *testing.T) {
		resp := protocol.NewErrorResponse(2, protocol.MethodDeviceSubscribe, protocol.NewError(protocol.ErrNoPermission, "no permission for device"))

		out, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"response","id":2,"method":"deviceSubscribe","result":"error","error":{"code":113,"message":"no permission for device"}}`, string(out))
	})

	t.Run("error notification", func(t *testing.T) {
		n := protocol.NewErrorNotification(protocol.NewError(protocol.ErrParse, "bad frame"))
		assert.Equal(t, protocol.MethodError, n.Method)
		assert.JSONEq(t, `{"code":108,"message":"bad frame"}`, string(n.Data))
	})

	t.Run("raw payload passes through", func(t *testing.T) {
		n, err := protocol.NewNotification(protocol.MethodDeviceUpdate, json.RawMessage(`{"deviceId":"a","data":{}}`))
		require.NoError(t, err)
		assert.Equal(t, `{"deviceId":"a","data":{}}`, string(n.Data))
	})

	t.Run("request without params", func(t *testing.T) {
		req, err := protocol.NewRequest(1, protocol.MethodAuthenticate, nil)
		require.NoError(t, err)
		out, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"request","id":1,"method":"authenticate"}`, string(out))

		var params protocol.AuthenticateParams
		assert.Equal(t, protocol.ErrBadRequest, protocol.CodeOf(protocol.DecodeParams(req, &params)))
	})
}

func TestAsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code protocol.ErrorCode
	}{
		{"typed", protocol.NewError(protocol.ErrNotFound, "gone"), protocol.ErrNotFound},
		{"wrapped typed", fmt.Errorf("call: %w", protocol.NewError(protocol.ErrRange, "x")), protocol.ErrRange},
		{"rpc timeout", fmt.Errorf("%w after 5s", rpc.ErrTimeout), protocol.ErrTimeout},
		{"deadline", context.DeadlineExceeded, protocol.ErrTimeout},
		{"disconnected", rpc.ErrDisconnected, protocol.ErrServerDisconnected},
		{"untyped", errors.New("boom"), protocol.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, protocol.AsError(tt.err).Code)
		})
	}

	assert.Nil(t, protocol.AsError(nil))
}

func TestClassification(t *testing.T) {
	assert.True(t, protocol.IsTransient(protocol.NewError(protocol.ErrTimeout, "")))
	assert.True(t, protocol.IsTransient(protocol.NewError(protocol.ErrBrokerDisconnected, "")))
	assert.False(t, protocol.IsTransient(protocol.NewError(protocol.ErrInternal, "")))

	assert.True(t, protocol.NeedsReauthentication(protocol.NewError(protocol.ErrBadToken, "")))
	assert.True(t, protocol.NeedsReauthentication(protocol.NewError(protocol.ErrNoPermission, "")))
	assert.False(t, protocol.NeedsReauthentication(protocol.NewError(protocol.ErrTimeout, "")))

	assert.ErrorIs(t, fmt.Errorf("wrap: %w", protocol.NewError(protocol.ErrTimeout, "a")), protocol.NewError(protocol.ErrTimeout, "b"))
	assert.Equal(t, "timeout", protocol.ErrTimeout.String())
}
