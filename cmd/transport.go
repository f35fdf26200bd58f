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

package cmd

import (
	"fmt"
	"strings"
	"sync"

	"sprinklers/internal/network"
	"sprinklers/internal/network/mqtt"
)

const memoryScheme = "mem://"

var (
	memoryMutex   sync.Mutex
	memoryBrokers = make(map[string]*network.MemoryBroker)
)

// memoryBroker returns the in-process broker for a mem:// URL. The
// gateway and a simulated hub in the same process share it by name.
func memoryBroker(url string) *network.MemoryBroker {
	name := strings.TrimPrefix(url, memoryScheme)

	memoryMutex.Lock()
	defer memoryMutex.Unlock()
	b, ok := memoryBrokers[name]
	if !ok {
		b = network.NewMemoryBroker()
		memoryBrokers[name] = b
	}
	return b
}

// brokerSettings is the part of gateway and hub configs that selects a
// broker
type brokerSettings struct {
	URL      string
	ClientID string
	Username string
	Password string
}

// openTransport returns a transport for url: mem://name selects an
// in-process broker and anything else is dialled as MQTT
func openTransport(settings brokerSettings) (network.Transport, error) {
	if strings.HasPrefix(settings.URL, memoryScheme) {
		return memoryBroker(settings.URL).NewTransport(settings.ClientID), nil
	}
	if settings.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	return mqtt.NewMQTTProvider(mqtt.Config{
		BrokerURL: settings.URL,
		ClientID:  settings.ClientID,
		Username:  settings.Username,
		Password:  settings.Password,
		QoS:       1,
	}), nil
}
