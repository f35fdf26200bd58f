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

package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sprinklers/internal/device"
	"sprinklers/internal/hub"
	"sprinklers/internal/network"
	"sprinklers/internal/protocol"
)

func testDevice() hub.DeviceConfig {
	return hub.DeviceConfig{
		ID:       "dev1",
		Sections: []string{"Front", "Back", "Side"},
		Programs: []hub.ProgramConfig{
			{Name: "Quick", Enabled: true, Sequence: []hub.ProgramStepSpec{
				{Section: 0, Duration: "40ms"},
				{Section: 1, Duration: "40ms"},
			}},
			{Name: "Empty"},
		},
	}
}

func call(t *testing.T, c *hub.Controller, raw string) *device.Response {
	t.Helper()
	return c.Handle([]byte(raw))
}

func runID(t *testing.T, resp *device.Response) int {
	t.Helper()
	var id int
	require.NoError(t, json.Unmarshal(resp.Extra["runId"], &id))
	return id
}

func TestController(t *testing.T) {
	t.Run("run section turns it on until the duration elapses", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		resp := call(t, c, `{"type":"runSection","sectionId":2,"duration":0.05}`)
		require.Equal(t, device.ResultSuccess, resp.Result, resp.Message)
		assert.Equal(t, device.RequestRunSection, resp.Type)
		assert.Equal(t, 1, runID(t, resp))

		s := c.Snapshot()
		assert.True(t, s.Sections[2].State)
		require.NotNil(t, s.SectionRunner.Current)
		assert.Equal(t, 2, s.SectionRunner.Current.Section)

		assert.Eventually(t, func() bool {
			s := c.Snapshot()
			return !s.Sections[2].State && s.SectionRunner.Current == nil
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("runs queue behind the current one and can be cancelled", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		first := runID(t, call(t, c, `{"type":"runSection","sectionId":0,"duration":10}`))
		second := runID(t, call(t, c, `{"type":"runSection","sectionId":1,"duration":10}`))
		assert.Equal(t, first+1, second)

		s := c.Snapshot()
		require.Len(t, s.SectionRunner.Queue, 1)
		assert.Equal(t, second, s.SectionRunner.Queue[0].ID)

		resp := call(t, c, `{"type":"cancelSectionRunId","runId":`+jsonInt(second)+`}`)
		assert.Equal(t, device.ResultSuccess, resp.Result)
		assert.Empty(t, c.Snapshot().SectionRunner.Queue)

		resp = call(t, c, `{"type":"cancelSectionRunId","runId":999}`)
		assert.Equal(t, device.ResultError, resp.Result)
		assert.Equal(t, protocol.ErrNotFound, resp.Code)

		resp = call(t, c, `{"type":"cancelSection","sectionId":0}`)
		assert.Equal(t, device.ResultSuccess, resp.Result)
		s = c.Snapshot()
		assert.Nil(t, s.SectionRunner.Current)
		assert.False(t, s.Sections[0].State)
	})

	t.Run("pause keeps the remaining time", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		call(t, c, `{"type":"runSection","sectionId":0,"duration":60}`)
		resp := call(t, c, `{"type":"pauseSectionRunner","paused":true}`)
		require.Equal(t, device.ResultSuccess, resp.Result)

		s := c.Snapshot()
		assert.True(t, s.SectionRunner.Paused)
		assert.False(t, s.Sections[0].State)
		require.NotNil(t, s.SectionRunner.Current.PauseTime)
		paused := s.SectionRunner.Current.Remaining(time.Now().Add(time.Hour))

		call(t, c, `{"type":"pauseSectionRunner","paused":false}`)
		s = c.Snapshot()
		assert.False(t, s.SectionRunner.Paused)
		assert.True(t, s.Sections[0].State)
		require.NotNil(t, s.SectionRunner.Current.UnpauseTime)
		assert.Nil(t, s.SectionRunner.Current.PauseTime)
		assert.InDelta(t, paused.Seconds(), s.SectionRunner.Current.Duration.Std().Seconds(), 0.01)
		assert.Equal(t, 60*time.Second, s.SectionRunner.Current.TotalDuration.Std())
	})

	t.Run("program runs its sequence then stops", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		resp := call(t, c, `{"type":"runProgram","programId":0}`)
		require.Equal(t, device.ResultSuccess, resp.Result, resp.Message)
		assert.True(t, c.Snapshot().Programs[0].Running)

		assert.Eventually(t, func() bool {
			s := c.Snapshot()
			return !s.Programs[0].Running && s.SectionRunner.Current == nil && len(s.SectionRunner.Queue) == 0
		}, time.Second, 5*time.Millisecond)

		resp = call(t, c, `{"type":"runProgram","programId":1}`)
		assert.Equal(t, protocol.ErrInvalidData, resp.Code)
	})

	t.Run("cancel program drops its runs", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		call(t, c, `{"type":"runSection","sectionId":2,"duration":60}`)
		call(t, c, `{"type":"runProgram","programId":0}`)
		require.Len(t, c.Snapshot().SectionRunner.Queue, 2)

		resp := call(t, c, `{"type":"cancelProgram","programId":0}`)
		require.Equal(t, device.ResultSuccess, resp.Result)
		s := c.Snapshot()
		assert.False(t, s.Programs[0].Running)
		assert.Empty(t, s.SectionRunner.Queue)
		require.NotNil(t, s.SectionRunner.Current)
		assert.Equal(t, 2, s.SectionRunner.Current.Section)
	})

	t.Run("update program merges partial data", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		resp := call(t, c, `{"type":"updateProgram","programId":0,"data":{"name":"Renamed","enabled":false}}`)
		require.Equal(t, device.ResultSuccess, resp.Result, resp.Message)
		p := c.Snapshot().Programs[0]
		assert.Equal(t, "Renamed", p.Name)
		assert.False(t, p.Enabled)
		assert.Len(t, p.Sequence, 2)
		assert.Contains(t, resp.Extra, "data")

		resp = call(t, c, `{"type":"updateProgram","programId":0,"data":{"name":"Bad","sequence":[{"section":9,"duration":5}]}}`)
		assert.Equal(t, protocol.ErrNotFound, resp.Code)
		assert.Equal(t, "Renamed", c.Snapshot().Programs[0].Name)
	})

	t.Run("invalid requests are rejected", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		tests := []struct {
			raw  string
			code protocol.ErrorCode
		}{
			{`{"type":"runSection","sectionId":7,"duration":5}`, protocol.ErrNotFound},
			{`{"type":"runSection","sectionId":0,"duration":0}`, protocol.ErrRange},
			{`{"type":"runSection","sectionId":0}`, protocol.ErrBadRequest},
			{`{"type":"selfDestruct"}`, protocol.ErrNotImplemented},
			{`{"type":"runProgram","programId":4}`, protocol.ErrNotFound},
		}
		for _, tt := range tests {
			resp := call(t, c, tt.raw)
			assert.Equal(t, device.ResultError, resp.Result, tt.raw)
			assert.Equal(t, tt.code, resp.Code, tt.raw)
		}
	})

	t.Run("state changes are published per topic", func(t *testing.T) {
		c := hub.NewController(testDevice())
		defer c.Stop()

		var mutex sync.Mutex
		published := map[string]string{}
		c.SetPublisher(func(suffix string, payload []byte) {
			mutex.Lock()
			defer mutex.Unlock()
			published[suffix] = string(payload)
		})
		c.Republish()

		mutex.Lock()
		assert.Equal(t, "true", published["connected"])
		assert.Equal(t, "3", published["sections"])
		assert.Equal(t, "2", published["programs"])
		assert.JSONEq(t, `{"id":1,"name":"Back","state":false}`, published["sections/1"])
		delete(published, "sections/1")
		delete(published, "sections/0")
		mutex.Unlock()

		call(t, c, `{"type":"runSection","sectionId":0,"duration":60}`)
		mutex.Lock()
		defer mutex.Unlock()
		assert.JSONEq(t, `{"id":0,"name":"Front","state":true}`, published["sections/0"])
		_, republished := published["sections/1"]
		assert.False(t, republished)
	})
}

func jsonInt(i int) string {
	out, _ := json.Marshal(i)
	return string(out)
}

func TestDaemon(t *testing.T) {
	ctx := context.Background()
	broker := network.NewMemoryBroker()

	config := &hub.Config{
		Broker:  hub.BrokerConfig{TopicPrefix: "devices", ReconnectDelay: "20ms"},
		Devices: []hub.DeviceConfig{testDevice()},
	}
	daemon, err := hub.NewDaemon(config, broker.NewTransport("hub"))
	require.NoError(t, err)
	require.NoError(t, daemon.Start(ctx))
	defer daemon.Stop()
	assert.True(t, daemon.IsConnected())

	payload, ok := broker.Retained("devices/dev1/sections")
	require.True(t, ok)
	assert.Equal(t, "3", string(payload))

	replies := make(chan string, 4)
	peer := broker.NewTransport("peer")
	peer.SetHandlers(network.Handlers{OnMessage: func(topic string, payload []byte) {
		if topic == "devices/dev1/responses" {
			replies <- string(payload)
		}
	}})
	require.NoError(t, peer.Connect(ctx))
	require.NoError(t, peer.Subscribe(ctx, "devices/dev1/responses"))

	next := func() string {
		select {
		case r := <-replies:
			return r
		case <-time.After(time.Second):
			t.Fatal("Expected a reply")
			return ""
		}
	}

	request := []byte(`{"type":"runSection","sectionId":1,"duration":60,"rid":77}`)
	require.NoError(t, peer.Publish(ctx, "devices/dev1/requests", request))
	first := next()

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(first), &reply))
	assert.Equal(t, float64(77), reply["rid"])
	assert.Equal(t, "success", reply["result"])
	assert.Equal(t, float64(1), reply["runId"])

	// a redelivered request is answered again without running twice
	require.NoError(t, peer.Publish(ctx, "devices/dev1/requests", request))
	assert.JSONEq(t, first, next())
	assert.Empty(t, daemon.GetStatus()["devices"].(map[string]interface{})["dev1"].(map[string]interface{})["queued_runs"])

	t.Run("serves again after the broker drops", func(t *testing.T) {
		broker.Sever(assert.AnError)
		require.NoError(t, peer.Connect(ctx))
		require.NoError(t, peer.Subscribe(ctx, "devices/dev1/responses"))

		rid := 100
		assert.Eventually(t, func() bool {
			rid++
			req := fmt.Sprintf(`{"type":"pauseSectionRunner","paused":false,"rid":%d}`, rid)
			if err := peer.Publish(ctx, "devices/dev1/requests", []byte(req)); err != nil {
				return false
			}
			select {
			case <-replies:
				return true
			case <-time.After(20 * time.Millisecond):
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, daemon.IsConnected())
	})
}

// stallingTransport holds publishes until release is closed and reports
// each delivery callback once it has returned
type stallingTransport struct {
	*network.MemoryTransport
	stall    atomic.Bool
	release  chan struct{}
	returned chan string
}

func (s *stallingTransport) SetHandlers(h network.Handlers) {
	onMessage := h.OnMessage
	h.OnMessage = func(topic string, payload []byte) {
		onMessage(topic, payload)
		s.returned <- topic
	}
	s.MemoryTransport.SetHandlers(h)
}

func (s *stallingTransport) hold(ctx context.Context) error {
	if !s.stall.Load() {
		return nil
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stallingTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.hold(ctx); err != nil {
		return err
	}
	return s.MemoryTransport.Publish(ctx, topic, payload)
}

func (s *stallingTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if err := s.hold(ctx); err != nil {
		return err
	}
	return s.MemoryTransport.PublishRetained(ctx, topic, payload)
}

func TestDaemonSlowPublish(t *testing.T) {
	ctx := context.Background()
	broker := network.NewMemoryBroker()
	transport := &stallingTransport{
		MemoryTransport: broker.NewTransport("hub"),
		release:         make(chan struct{}),
		returned:        make(chan string, 16),
	}

	config := &hub.Config{
		Broker:  hub.BrokerConfig{TopicPrefix: "devices", ReconnectDelay: "20ms"},
		Devices: []hub.DeviceConfig{testDevice()},
	}
	daemon, err := hub.NewDaemon(config, transport)
	require.NoError(t, err)
	require.NoError(t, daemon.Start(ctx))
	defer daemon.Stop()

	replies := make(chan string, 4)
	peer := broker.NewTransport("peer")
	peer.SetHandlers(network.Handlers{OnMessage: func(topic string, payload []byte) {
		replies <- string(payload)
	}})
	require.NoError(t, peer.Connect(ctx))
	require.NoError(t, peer.Subscribe(ctx, "devices/dev1/responses"))

	transport.stall.Store(true)
	request := []byte(`{"type":"runSection","sectionId":0,"duration":60,"rid":5}`)
	require.NoError(t, peer.Publish(ctx, "devices/dev1/requests", request))

	select {
	case topic := <-transport.returned:
		assert.Equal(t, "devices/dev1/requests", topic)
	case <-time.After(time.Second):
		t.Fatal("Expected the delivery callback to return while publishing is stalled")
	}

	select {
	case <-replies:
		t.Fatal("Expected no reply while publishing is stalled")
	case <-time.After(50 * time.Millisecond):
	}

	close(transport.release)
	select {
	case reply := <-replies:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(reply), &decoded))
		assert.Equal(t, float64(5), decoded["rid"])
		assert.Equal(t, "success", decoded["result"])
	case <-time.After(time.Second):
		t.Fatal("Expected a reply once publishing resumes")
	}
}

func TestConfig(t *testing.T) {
	t.Run("default config round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hub.yaml")
		require.NoError(t, hub.SaveConfig(hub.NewDefaultConfig(), path))

		loaded, err := hub.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "devices", loaded.Broker.TopicPrefix)
		assert.Equal(t, 5*time.Second, loaded.GetReconnectDelay())
		dev, err := loaded.GetDevice("garden")
		require.NoError(t, err)
		assert.Len(t, dev.Sections, 4)
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name string
			yaml string
		}{
			{"no devices", "broker: {url: mem://}\n"},
			{"duplicate ids", "devices: [{id: a}, {id: a}]\n"},
			{"missing id", "devices: [{sections: [x]}]\n"},
			{"bad step section", "devices: [{id: a, sections: [x], programs: [{name: p, sequence: [{section: 3, duration: 1m}]}]}]\n"},
			{"bad step duration", "devices: [{id: a, sections: [x], programs: [{name: p, sequence: [{section: 0, duration: soon}]}]}]\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "hub.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0600))
				_, err := hub.LoadConfig(path)
				assert.Error(t, err)
			})
		}
	})
}
