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

// Package network abstracts the publish/subscribe broker devices talk to.
package network

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations attempted while the
// transport has no live broker connection
var ErrNotConnected = errors.New("not connected to broker")

// MessageHandler receives every message delivered for an active
// subscription, in broker delivery order
type MessageHandler func(topic string, payload []byte)

// Handlers are the callbacks a transport invokes. Any may be nil.
type Handlers struct {
	OnMessage        MessageHandler
	OnConnectionLost func(err error)
}

// Transport defines the interface for broker connections. A transport
// does not reconnect on its own; the owner decides when to call Connect
// again after OnConnectionLost.
type Transport interface {
	// Name returns the transport name (e.g., "mqtt", "memory")
	Name() string

	// SetHandlers installs callbacks and must be called before Connect
	SetHandlers(h Handlers)

	// Connect opens a clean session
	Connect(ctx context.Context) error

	// Disconnect closes the connection without invoking OnConnectionLost
	Disconnect()

	// IsConnected reports whether the connection is live
	IsConnected() bool

	// Publish sends payload to topic with at-least-once delivery
	Publish(ctx context.Context, topic string, payload []byte) error

	// PublishRetained publishes payload and has the broker keep it as the
	// topic's last value for future subscribers. An empty payload clears it.
	PublishRetained(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts delivery of messages matching filter
	Subscribe(ctx context.Context, filter string) error

	// Unsubscribe stops delivery of messages matching filter
	Unsubscribe(ctx context.Context, filter string) error
}

// MatchTopic reports whether topic matches an MQTT filter with "+" and
// "#" wildcards
func MatchTopic(filter, topic string) bool {
	fi, ti := 0, 0
	for {
		fEnd := indexFrom(filter, fi)
		tEnd := indexFrom(topic, ti)
		level := filter[fi:fEnd]

		if level == "#" {
			return true
		}
		if level != "+" && level != topic[ti:tEnd] {
			return false
		}

		fDone := fEnd >= len(filter)
		tDone := tEnd >= len(topic)
		switch {
		case fDone && tDone:
			return true
		case fDone:
			return false
		case tDone:
			// "a/#" also matches "a"
			return filter[fEnd+1:] == "#"
		}
		fi, ti = fEnd+1, tEnd+1
	}
}

func indexFrom(s string, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return len(s)
}
