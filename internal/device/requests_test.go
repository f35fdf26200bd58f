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

package device_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sprinklers/internal/device"
	"sprinklers/internal/protocol"
)

func TestParseRequest(t *testing.T) {
	valid := []struct {
		raw      string
		expected device.Request
	}{
		{`{"type":"runProgram","programId":1}`, device.RunProgram{ProgramID: 1}},
		{`{"type":"cancelProgram","programId":0}`, device.CancelProgram{ProgramID: 0}},
		{`{"type":"updateProgram","programId":2,"data":{"enabled":false}}`, device.UpdateProgram{ProgramID: 2, Data: json.RawMessage(`{"enabled":false}`)}},
		{`{"type":"runSection","sectionId":2,"duration":300}`, device.RunSection{SectionID: 2, Duration: device.Seconds(300)}},
		{`{"type":"cancelSection","sectionId":3}`, device.CancelSection{SectionID: 3}},
		{`{"type":"cancelSectionRunId","runId":14}`, device.CancelSectionRunID{RunID: 14}},
		{`{"type":"pauseSectionRunner","paused":true}`, device.PauseSectionRunner{Paused: true}},
	}

	for _, tt := range valid {
		t.Run(string(tt.expected.RequestType()), func(t *testing.T) {
			req, err := device.ParseRequest([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, req)
		})
	}

	invalid := []struct {
		name string
		raw  string
		code protocol.ErrorCode
	}{
		{"not an object", `[1,2]`, protocol.ErrBadRequest},
		{"missing type", `{"sectionId":1}`, protocol.ErrBadRequest},
		{"unknown type", `{"type":"explode"}`, protocol.ErrNotImplemented},
		{"missing field", `{"type":"runSection","sectionId":1}`, protocol.ErrBadRequest},
		{"null field", `{"type":"runProgram","programId":null}`, protocol.ErrBadRequest},
		{"wrong field type", `{"type":"runSection","sectionId":"two","duration":5}`, protocol.ErrBadRequest},
		{"negative duration", `{"type":"runSection","sectionId":1,"duration":-5}`, protocol.ErrBadRequest},
		{"program data not object", `{"type":"updateProgram","programId":1,"data":3}`, protocol.ErrBadRequest},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := device.ParseRequest([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.code, protocol.CodeOf(err))
		})
	}
}

func TestMarshalRequest(t *testing.T) {
	out, err := device.MarshalRequest(device.RunSection{SectionID: 2, Duration: device.Seconds(300)}, 41)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"runSection","sectionId":2,"duration":300,"rid":41}`, string(out))

	encoded, err := device.EncodeRequest(device.PauseSectionRunner{Paused: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pauseSectionRunner","paused":true}`, string(encoded))

	req, err := device.ParseRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, device.PauseSectionRunner{Paused: true}, req)
}

func TestMarshalResponse(t *testing.T) {
	resp := &device.Response{
		Result:  device.ResultSuccess,
		Type:    device.RequestRunSection,
		Message: "queued",
		Extra:   map[string]json.RawMessage{"runId": json.RawMessage("14")},
	}
	out, err := device.MarshalResponse(resp, 41)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rid":41,"result":"success","type":"runSection","message":"queued","runId":14}`, string(out))

	rid, parsed, err := device.ParseResponse(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), rid)
	assert.Equal(t, json.RawMessage("14"), parsed.Extra["runId"])
}

func TestParseResponse(t *testing.T) {
	t.Run("success keeps extra fields and drops rid", func(t *testing.T) {
		rid, resp, err := device.ParseResponse([]byte(`{"rid":41,"result":"success","type":"runSection","message":"ok","runId":14}`))
		require.NoError(t, err)
		assert.Equal(t, uint32(41), rid)
		assert.NoError(t, resp.Err())

		out, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"result":"success","type":"runSection","message":"ok","runId":14}`, string(out))
	})

	t.Run("error becomes protocol error", func(t *testing.T) {
		_, resp, err := device.ParseResponse([]byte(`{"rid":3,"result":"error","type":"runSection","message":"section not found","code":121}`))
		require.NoError(t, err)

		var pe *protocol.Error
		require.True(t, errors.As(resp.Err(), &pe))
		assert.Equal(t, protocol.ErrNotFound, pe.Code)
		assert.Equal(t, "section not found", pe.Message)

		data, err := json.Marshal(pe.Data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"result":"error","type":"runSection","message":"section not found","code":121}`, string(data))
	})

	t.Run("error without code is internal", func(t *testing.T) {
		_, resp, err := device.ParseResponse([]byte(`{"rid":3,"result":"error"}`))
		require.NoError(t, err)
		assert.Equal(t, protocol.ErrInternal, protocol.CodeOf(resp.Err()))
	})

	t.Run("missing rid", func(t *testing.T) {
		_, _, err := device.ParseResponse([]byte(`{"result":"success"}`))
		assert.Error(t, err)
	})
}
