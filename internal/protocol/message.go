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

package protocol

import (
	"encoding/json"
	"fmt"
)

// NewRequest builds a request, marshalling params
func NewRequest(id uint32, method Method, params any) (*Request, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Request{
		Type:   TypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewSuccess builds a successful response to req
func NewSuccess(id uint32, method Method, data any) (*Response, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result: %w", method, err)
	}
	return &Response{
		Type:   TypeResponse,
		ID:     id,
		Method: method,
		Result: ResultSuccess,
		Data:   raw,
	}, nil
}

// NewErrorResponse builds an error response scoped to a single request id
func NewErrorResponse(id uint32, method Method, err error) *Response {
	return &Response{
		Type:   TypeResponse,
		ID:     id,
		Method: method,
		Result: ResultError,
		Error:  AsError(err),
	}
}

// NewNotification builds a notification, marshalling data
func NewNotification(method Method, data any) (*Notification, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}
	return &Notification{
		Type:   TypeNotification,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorNotification reports a protocol-level failure that has no
// request to answer
func NewErrorNotification(err error) *Notification {
	raw, _ := json.Marshal(AsError(err))
	return &Notification{
		Type:   TypeNotification,
		Method: MethodError,
		Data:   raw,
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// ParseMessage decodes one frame into *Request, *Response or
// *Notification. Failures are returned as *Error; when the frame carried
// a readable request id it is attached as the error data.
func ParseMessage(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, Errorf(ErrParse, "invalid message: %v", err)
	}

	switch head.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, Errorf(ErrBadRequest, "malformed request: %v", err)
		}
		if err := ValidateMessage(&req); err != nil {
			return nil, err
		}
		return &req, nil

	case TypeResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, Errorf(ErrBadRequest, "malformed response: %v", err)
		}
		if err := ValidateMessage(&resp); err != nil {
			return nil, err
		}
		return &resp, nil

	case TypeNotification:
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, Errorf(ErrBadRequest, "malformed notification: %v", err)
		}
		if err := ValidateMessage(&n); err != nil {
			return nil, err
		}
		return &n, nil

	case "":
		return nil, NewError(ErrBadRequest, "message type is required")
	default:
		return nil, Errorf(ErrBadRequest, "unknown message type: %s", head.Type)
	}
}

// ValidateMessage validates an envelope
func ValidateMessage(msg any) error {
	switch m := msg.(type) {
	case *Request:
		if m.Method == "" {
			return NewError(ErrBadRequest, "request method is required").WithData(requestRef{ID: m.ID})
		}
		if !IsRequestMethod(m.Method) {
			return Errorf(ErrNotImplemented, "unknown request method: %s", m.Method).WithData(requestRef{ID: m.ID, Method: m.Method})
		}
	case *Response:
		if !IsRequestMethod(m.Method) {
			return Errorf(ErrBadRequest, "response for unknown method: %s", m.Method)
		}
		switch m.Result {
		case ResultSuccess:
		case ResultError:
			if m.Error == nil {
				return NewError(ErrBadRequest, "error response without error body")
			}
		default:
			return Errorf(ErrBadRequest, "invalid response result: %q", m.Result)
		}
	case *Notification:
		if !IsNotificationMethod(m.Method) {
			return Errorf(ErrNotImplemented, "unknown notification method: %s", m.Method)
		}
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
	return nil
}

type requestRef struct {
	ID     uint32 `json:"id"`
	Method Method `json:"method,omitempty"`
}

// DecodeParams unmarshals request params, reporting BadRequest on failure
func DecodeParams(req *Request, v any) error {
	if len(req.Params) == 0 {
		return Errorf(ErrBadRequest, "%s requires params", req.Method)
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return Errorf(ErrBadRequest, "invalid %s params: %v", req.Method, err)
	}
	return nil
}
