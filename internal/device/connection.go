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
	"fmt"
)

// Tristate is a boolean that may not be known yet
type Tristate int8

const (
	Unknown Tristate = iota
	True
	False
)

// TristateOf converts a known boolean
func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// Known reports whether the value is true or false
func (t Tristate) Known() bool {
	return t == True || t == False
}

// Bool returns the value, treating Unknown as false
func (t Tristate) Bool() bool {
	return t == True
}

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (t *Tristate) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "null":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tristate value: %s", data)
	}
	return nil
}

// ConnectionState tracks each link between a client and a device.
// Links run client -> server -> broker -> device.
type ConnectionState struct {
	ClientToServer Tristate `json:"clientToServer"`
	ServerToBroker Tristate `json:"serverToBroker"`
	BrokerToDevice Tristate `json:"brokerToDevice"`
	HasPermission  Tristate `json:"hasPermission"`
}

// IsServerConnected reports whether the server can reach the broker. A
// dead client link hides anything further down.
func (c ConnectionState) IsServerConnected() Tristate {
	if c.ClientToServer == False {
		return False
	}
	return c.ServerToBroker
}

// IsDeviceConnected reports whether the device itself is reachable. The
// most specific known link wins, but a known false link closer to the
// client always makes the device unreachable.
func (c ConnectionState) IsDeviceConnected() Tristate {
	if c.HasPermission == False {
		return False
	}
	if c.ClientToServer == False || c.ServerToBroker == False {
		return False
	}
	return c.BrokerToDevice
}

// IsAvailable reports whether the device can be used: permission is not
// denied, no link is down, and at least one link is known to be up,
// consulted device first.
func (c ConnectionState) IsAvailable() bool {
	if c.HasPermission == False {
		return false
	}
	for _, link := range []Tristate{c.BrokerToDevice, c.ServerToBroker, c.ClientToServer} {
		if link == False {
			return false
		}
	}
	for _, link := range []Tristate{c.BrokerToDevice, c.ServerToBroker, c.ClientToServer} {
		if link.Known() {
			return link.Bool()
		}
	}
	return false
}
