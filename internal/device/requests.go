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

package device

import (
	"bytes"
	"encoding/json"
	"fmt"

	"sprinklers/internal/protocol"
)

// RequestType names a device request
type RequestType string

const (
	RequestRunProgram         RequestType = "runProgram"
	RequestCancelProgram      RequestType = "cancelProgram"
	RequestUpdateProgram      RequestType = "updateProgram"
	RequestRunSection         RequestType = "runSection"
	RequestCancelSection      RequestType = "cancelSection"
	RequestCancelSectionRunID RequestType = "cancelSectionRunId"
	RequestPauseSectionRunner RequestType = "pauseSectionRunner"
)

// Request is a call the device executes
type Request interface {
	RequestType() RequestType
}

type RunProgram struct {
	ProgramID int `json:"programId"`
}

type CancelProgram struct {
	ProgramID int `json:"programId"`
}

// UpdateProgram edits a program. Data is a partial program payload.
type UpdateProgram struct {
	ProgramID int             `json:"programId"`
	Data      json.RawMessage `json:"data"`
}

type RunSection struct {
	SectionID int      `json:"sectionId"`
	Duration  Duration `json:"duration"`
}

type CancelSection struct {
	SectionID int `json:"sectionId"`
}

type CancelSectionRunID struct {
	RunID int `json:"runId"`
}

type PauseSectionRunner struct {
	Paused bool `json:"paused"`
}

func (RunProgram) RequestType() RequestType         { return RequestRunProgram }
func (CancelProgram) RequestType() RequestType      { return RequestCancelProgram }
func (UpdateProgram) RequestType() RequestType      { return RequestUpdateProgram }
func (RunSection) RequestType() RequestType         { return RequestRunSection }
func (CancelSection) RequestType() RequestType      { return RequestCancelSection }
func (CancelSectionRunID) RequestType() RequestType { return RequestCancelSectionRunID }
func (PauseSectionRunner) RequestType() RequestType { return RequestPauseSectionRunner }

type requestKind struct {
	required []string
	decode   func([]byte) (Request, error)
}

func decodeAs[T Request](data []byte) (Request, error) {
	var req T
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return req, nil
}

var requestKinds = map[RequestType]requestKind{
	RequestRunProgram:         {[]string{"programId"}, decodeAs[RunProgram]},
	RequestCancelProgram:      {[]string{"programId"}, decodeAs[CancelProgram]},
	RequestUpdateProgram:      {[]string{"programId", "data"}, decodeAs[UpdateProgram]},
	RequestRunSection:         {[]string{"sectionId", "duration"}, decodeAs[RunSection]},
	RequestCancelSection:      {[]string{"sectionId"}, decodeAs[CancelSection]},
	RequestCancelSectionRunID: {[]string{"runId"}, decodeAs[CancelSectionRunID]},
	RequestPauseSectionRunner: {[]string{"paused"}, decodeAs[PauseSectionRunner]},
}

// ParseRequest decodes and validates a device request. Failures are
// BadRequest errors, or NotImplemented for an unknown type.
func ParseRequest(data []byte) (Request, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil || head == nil {
		return nil, protocol.NewError(protocol.ErrBadRequest, "device request must be an object")
	}

	var typ RequestType
	if err := json.Unmarshal(head["type"], &typ); err != nil || typ == "" {
		return nil, protocol.NewError(protocol.ErrBadRequest, "device request type is required")
	}

	kind, ok := requestKinds[typ]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotImplemented, "unknown device request type: %s", typ)
	}
	for _, key := range kind.required {
		if v, present := head[key]; !present || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, protocol.Errorf(protocol.ErrBadRequest, "%s requires %s", typ, key)
		}
	}

	req, err := kind.decode(data)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "invalid %s request: %v", typ, err)
	}
	if up, ok := req.(UpdateProgram); ok {
		if _, err := decodeFields(up.Data, "program data"); err != nil {
			return nil, protocol.Errorf(protocol.ErrBadRequest, "invalid updateProgram request: %v", err)
		}
	}
	return req, nil
}

// EncodeRequest encodes req with its type, as clients send it in a
// deviceCall
func EncodeRequest(req Request) ([]byte, error) {
	out, err := requestFields(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// MarshalRequest encodes req for the device with its type and the
// correlation id rid embedded.
func MarshalRequest(req Request, rid uint32) ([]byte, error) {
	out, err := requestFields(req)
	if err != nil {
		return nil, err
	}
	out["rid"], _ = json.Marshal(rid)
	return json.Marshal(out)
}

func requestFields(req Request) (map[string]json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.RequestType(), err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.RequestType(), err)
	}
	out["type"], _ = json.Marshal(req.RequestType())
	return out, nil
}

// Response results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Response is a device's reply. Fields specific to a request type, such
// as runId, are kept in Extra.
type Response struct {
	Result  string                     `json:"result"`
	Type    RequestType                `json:"type,omitempty"`
	Message string                     `json:"message,omitempty"`
	Code    protocol.ErrorCode         `json:"code,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

var responseKeys = map[string]bool{"result": true, "type": true, "message": true, "code": true, "rid": true}

// ParseResponse decodes a reply and returns the correlation id it echoes
func ParseResponse(data []byte) (uint32, *Response, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil || all == nil {
		return 0, nil, fmt.Errorf("device response must be an object")
	}
	ridRaw, ok := all["rid"]
	if !ok {
		return 0, nil, fmt.Errorf("device response has no rid")
	}
	var rid uint32
	if err := json.Unmarshal(ridRaw, &rid); err != nil {
		return 0, nil, fmt.Errorf("invalid rid: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return rid, nil, fmt.Errorf("invalid device response: %w", err)
	}
	return rid, &resp, nil
}

// MarshalResponse encodes resp with the correlation id rid of the request
// it answers
func MarshalResponse(resp *Response, rid uint32) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	out["rid"], _ = json.Marshal(rid)
	return json.Marshal(out)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type plain Response
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key, value := range all {
		if responseKeys[key] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[key] = value
	}
	*r = Response(p)
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+4)
	for key, value := range r.Extra {
		out[key] = value
	}
	out["result"] = r.Result
	if r.Type != "" {
		out["type"] = r.Type
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.Code != 0 {
		out["code"] = r.Code
	}
	return json.Marshal(out)
}

// Err converts an error reply into a protocol error carrying the reply as
// data. It returns nil for successful replies.
func (r *Response) Err() error {
	if r.Result != ResultError {
		return nil
	}
	code := r.Code
	if code == 0 {
		code = protocol.ErrInternal
	}
	message := r.Message
	if message == "" {
		message = "device returned an error"
	}
	return protocol.NewError(code, message).WithData(*r)
}
