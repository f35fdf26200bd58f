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
	"context"
	"errors"
	"fmt"

	"sprinklers/internal/rpc"
)

// ErrorCode classifies a failure visible to clients
type ErrorCode int

const (
	ErrBadRequest         ErrorCode = 106
	ErrNotSpecified       ErrorCode = 107
	ErrParse              ErrorCode = 108
	ErrRange              ErrorCode = 109
	ErrInvalidData        ErrorCode = 110
	ErrBadToken           ErrorCode = 111
	ErrUnauthorized       ErrorCode = 112
	ErrNoPermission       ErrorCode = 113
	ErrNotImplemented     ErrorCode = 120
	ErrNotFound           ErrorCode = 121
	ErrInternal           ErrorCode = 200
	ErrTimeout            ErrorCode = 300
	ErrServerDisconnected ErrorCode = 301
	ErrBrokerDisconnected ErrorCode = 302
)

var codeNames = map[ErrorCode]string{
	ErrBadRequest:         "bad_request",
	ErrNotSpecified:       "not_specified",
	ErrParse:              "parse",
	ErrRange:              "range",
	ErrInvalidData:        "invalid_data",
	ErrBadToken:           "bad_token",
	ErrUnauthorized:       "unauthorized",
	ErrNoPermission:       "no_permission",
	ErrNotImplemented:     "not_implemented",
	ErrNotFound:           "not_found",
	ErrInternal:           "internal",
	ErrTimeout:            "timeout",
	ErrServerDisconnected: "server_disconnected",
	ErrBrokerDisconnected: "broker_disconnected",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is the error body of a response or error notification.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewError creates an Error without data
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data
func (e *Error) WithData(data any) *Error {
	c := *e
	c.Data = data
	return &c
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// AsError converts err into a client-facing Error. Errors that are not
// already typed become Timeout, ServerDisconnected or Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrTimeout, err.Error())
	case errors.Is(err, rpc.ErrDisconnected), errors.Is(err, context.Canceled):
		return NewError(ErrServerDisconnected, err.Error())
	default:
		return NewError(ErrInternal, err.Error())
	}
}

// CodeOf returns the code of err, or ErrInternal for untyped errors
func CodeOf(err error) ErrorCode {
	return AsError(err).Code
}

// IsTransient reports whether a client should retry with backoff
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrTimeout, ErrBrokerDisconnected, ErrServerDisconnected:
		return true
	}
	return false
}

// NeedsReauthentication reports whether a client must authenticate again
func NeedsReauthentication(err error) bool {
	switch CodeOf(err) {
	case ErrNoPermission, ErrBadToken, ErrUnauthorized:
		return true
	}
	return false
}
