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

// Package protocol defines the JSON messages exchanged between WebSocket
// clients and the gateway.
package protocol

import (
	"encoding/json"
)

// Message types
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
)

// Response results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Method names a request or notification.
type Method string

// Request methods
const (
	MethodAuthenticate      Method = "authenticate"
	MethodDeviceSubscribe   Method = "deviceSubscribe"
	MethodDeviceUnsubscribe Method = "deviceUnsubscribe"
	MethodDeviceCall        Method = "deviceCall"
)

// Notification methods
const (
	MethodBrokerConnectionUpdate Method = "brokerConnectionUpdate"
	MethodDeviceUpdate           Method = "deviceUpdate"
	MethodError                  Method = "error"
)

var requestMethods = map[Method]bool{
	MethodAuthenticate:      true,
	MethodDeviceSubscribe:   true,
	MethodDeviceUnsubscribe: true,
	MethodDeviceCall:        true,
}

var notificationMethods = map[Method]bool{
	MethodBrokerConnectionUpdate: true,
	MethodDeviceUpdate:           true,
	MethodError:                  true,
}

// IsRequestMethod reports whether m is a known request method
func IsRequestMethod(m Method) bool {
	return requestMethods[m]
}

// IsNotificationMethod reports whether m is a known notification method
func IsNotificationMethod(m Method) bool {
	return notificationMethods[m]
}

// Request is sent by a client and answered by exactly one Response with
// the same ID.
type Request struct {
	Type   string          `json:"type"`
	ID     uint32          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Data and Error is set,
// selected by Result.
type Response struct {
	Type   string          `json:"type"`
	ID     uint32          `json:"id"`
	Method Method          `json:"method"`
	Result string          `json:"result"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is unsolicited and carries no id.
type Notification struct {
	Type   string          `json:"type"`
	Method Method          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Succeeded reports whether the response carries a result
func (r *Response) Succeeded() bool {
	return r.Result == ResultSuccess
}

// Err returns the response error, or nil for successful responses
func (r *Response) Err() error {
	if r.Result == ResultSuccess {
		return nil
	}
	if r.Error == nil {
		return NewError(ErrInternal, "error response without error body")
	}
	return r.Error
}

// AuthenticateParams is the payload of an authenticate request
type AuthenticateParams struct {
	AccessToken string `json:"accessToken"`
}

// User is the public view of the authenticated principal
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// AuthenticateResult is returned on successful authentication
type AuthenticateResult struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message"`
	User          User   `json:"user"`
}

// DeviceParams identifies one device
type DeviceParams struct {
	DeviceID string `json:"deviceId"`
}

// DeviceResult acknowledges deviceSubscribe and deviceUnsubscribe
type DeviceResult struct {
	DeviceID string `json:"deviceId"`
}

// DeviceCallParams forwards Data to the device as a request
type DeviceCallParams struct {
	DeviceID string          `json:"deviceId"`
	Data     json.RawMessage `json:"data"`
}

// DeviceCallResult wraps the device's reply
type DeviceCallResult struct {
	Data json.RawMessage `json:"data"`
}

// BrokerConnectionUpdate reports the gateway's broker link
type BrokerConnectionUpdate struct {
	BrokerConnected bool `json:"brokerConnected"`
}

// DeviceUpdate carries the full serialized state of a subscribed device
type DeviceUpdate struct {
	DeviceID string          `json:"deviceId"`
	Data     json.RawMessage `json:"data"`
}
