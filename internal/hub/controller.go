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

package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"sprinklers/internal/device"
	"sprinklers/internal/logger"
	"sprinklers/internal/protocol"
)

// PublishFunc publishes one state topic, relative to the device's topic
// namespace, as a retained message
type PublishFunc func(suffix string, payload []byte)

// Controller simulates one sprinkler controller: a set of sections, the
// programs that sequence them and a run queue that drives them in time
type Controller struct {
	id     string
	logger zerolog.Logger
	now    func() time.Time

	mutex      sync.Mutex
	state      device.State
	runProgram map[int]int
	nextRunID  int
	timer      *time.Timer
	stopped    bool

	// publishMutex orders state publications
	publishMutex sync.Mutex
	publish      PublishFunc
	published    map[string][]byte
}

// NewController creates a controller from its configuration. All
// sections start off and the run queue starts empty.
func NewController(config DeviceConfig) *Controller {
	c := &Controller{
		id:         config.ID,
		logger:     logger.GetLogger("hub").With().Str("device_id", config.ID).Logger(),
		now:        time.Now,
		runProgram: make(map[int]int),
		nextRunID:  1,
		published:  make(map[string][]byte),
	}

	c.state = device.State{
		ID:       config.ID,
		Sections: make([]device.Section, 0, len(config.Sections)),
		Programs: make([]device.Program, 0, len(config.Programs)),
		SectionRunner: device.SectionRunner{
			Queue: []device.SectionRun{},
		},
	}
	for i, name := range config.Sections {
		c.state.Sections = append(c.state.Sections, device.Section{ID: i, Name: name})
	}
	for i, p := range config.Programs {
		program := device.Program{
			ID:       i,
			Name:     p.Name,
			Enabled:  p.Enabled,
			Schedule: device.Schedule{Times: []device.TimeOfDay{}, Weekdays: []int{}},
			Sequence: make([]device.ProgramItem, 0, len(p.Sequence)),
		}
		for _, step := range p.Sequence {
			d, _ := time.ParseDuration(step.Duration)
			program.Sequence = append(program.Sequence, device.ProgramItem{Section: step.Section, Duration: device.Duration(d)})
		}
		c.state.Programs = append(c.state.Programs, program)
	}
	return c
}

// ID returns the device id
func (c *Controller) ID() string {
	return c.id
}

// SetPublisher installs the function state changes are published through
func (c *Controller) SetPublisher(fn PublishFunc) {
	c.publishMutex.Lock()
	defer c.publishMutex.Unlock()
	c.publish = fn
}

// Snapshot returns a copy of the controller state
func (c *Controller) Snapshot() device.State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state.Clone()
}

// Republish sends every state topic again, changed or not
func (c *Controller) Republish() {
	c.publishMutex.Lock()
	c.published = make(map[string][]byte)
	c.publishMutex.Unlock()
	c.sync()
}

// Stop cancels the running timer. The controller keeps its state.
func (c *Controller) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// topics renders the state as broker topics. Must be called with the
// mutex held.
func (c *Controller) topics() map[string][]byte {
	out := make(map[string][]byte, len(c.state.Sections)+len(c.state.Programs)+4)
	out["connected"] = []byte("true")
	out["sections"] = []byte(strconv.Itoa(len(c.state.Sections)))
	for i, s := range c.state.Sections {
		out["sections/"+strconv.Itoa(i)], _ = json.Marshal(s)
	}
	out["programs"] = []byte(strconv.Itoa(len(c.state.Programs)))
	for i, p := range c.state.Programs {
		out["programs/"+strconv.Itoa(i)], _ = json.Marshal(p)
	}
	out["section_runner"], _ = json.Marshal(c.state.SectionRunner)
	return out
}

// sync publishes the topics whose payload changed since the last call
func (c *Controller) sync() {
	c.publishMutex.Lock()
	defer c.publishMutex.Unlock()

	c.mutex.Lock()
	current := c.topics()
	c.mutex.Unlock()

	if c.publish == nil {
		return
	}
	// counts go first so list topics never point past the end
	order := []string{"connected", "sections", "programs"}
	for suffix := range current {
		if suffix != "connected" && suffix != "sections" && suffix != "programs" {
			order = append(order, suffix)
		}
	}
	for _, suffix := range order {
		payload := current[suffix]
		if bytes.Equal(c.published[suffix], payload) {
			continue
		}
		c.publish(suffix, payload)
		c.published[suffix] = payload
	}
}

// Handle executes one encoded device request and returns the reply
func (c *Controller) Handle(data []byte) *device.Response {
	req, err := device.ParseRequest(data)
	if err != nil {
		return errorResponse("", err)
	}

	resp, err := c.execute(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("type", string(req.RequestType())).Msg("Request failed")
		return errorResponse(req.RequestType(), err)
	}
	resp.Result = device.ResultSuccess
	resp.Type = req.RequestType()
	c.sync()
	return resp
}

func errorResponse(typ device.RequestType, err error) *device.Response {
	pe := protocol.AsError(err)
	return &device.Response{
		Result:  device.ResultError,
		Type:    typ,
		Message: pe.Message,
		Code:    pe.Code,
	}
}

func (c *Controller) execute(req device.Request) (*device.Response, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch r := req.(type) {
	case device.RunSection:
		if err := c.checkSection(r.SectionID); err != nil {
			return nil, err
		}
		if r.Duration <= 0 {
			return nil, protocol.NewError(protocol.ErrRange, "duration must be positive")
		}
		id := c.enqueue(r.SectionID, r.Duration)
		c.startNext()
		return withRunID(&device.Response{Message: fmt.Sprintf("running section %d", r.SectionID)}, id), nil

	case device.CancelSection:
		if err := c.checkSection(r.SectionID); err != nil {
			return nil, err
		}
		n := c.cancelWhere(func(run *device.SectionRun) bool { return run.Section == r.SectionID })
		return &device.Response{Message: fmt.Sprintf("cancelled %d runs of section %d", n, r.SectionID)}, nil

	case device.CancelSectionRunID:
		n := c.cancelWhere(func(run *device.SectionRun) bool { return run.ID == r.RunID })
		if n == 0 {
			return nil, protocol.Errorf(protocol.ErrNotFound, "section run %d does not exist", r.RunID)
		}
		return &device.Response{Message: fmt.Sprintf("cancelled section run %d", r.RunID)}, nil

	case device.PauseSectionRunner:
		c.setPaused(r.Paused)
		msg := "resumed section runner"
		if r.Paused {
			msg = "paused section runner"
		}
		return &device.Response{Message: msg}, nil

	case device.RunProgram:
		program, err := c.program(r.ProgramID)
		if err != nil {
			return nil, err
		}
		if len(program.Sequence) == 0 {
			return nil, protocol.Errorf(protocol.ErrInvalidData, "program %d has no sequence", r.ProgramID)
		}
		for _, item := range program.Sequence {
			c.runProgram[c.enqueue(item.Section, item.Duration)] = r.ProgramID
		}
		program.Running = true
		c.startNext()
		return &device.Response{Message: fmt.Sprintf("running program %q", program.Name)}, nil

	case device.CancelProgram:
		program, err := c.program(r.ProgramID)
		if err != nil {
			return nil, err
		}
		c.cancelWhere(func(run *device.SectionRun) bool {
			pid, ok := c.runProgram[run.ID]
			return ok && pid == r.ProgramID
		})
		program.Running = false
		return &device.Response{Message: fmt.Sprintf("cancelled program %q", program.Name)}, nil

	case device.UpdateProgram:
		program, err := c.program(r.ProgramID)
		if err != nil {
			return nil, err
		}
		updated := program.Clone()
		if err := updated.ApplyUpdate(r.Data); err != nil {
			return nil, protocol.Errorf(protocol.ErrInvalidData, "invalid program data: %v", err)
		}
		for _, item := range updated.Sequence {
			if err := c.checkSection(item.Section); err != nil {
				return nil, err
			}
		}
		updated.ID = r.ProgramID
		updated.Running = program.Running
		*program = updated

		resp := &device.Response{Message: fmt.Sprintf("updated program %q", program.Name)}
		data, _ := json.Marshal(program)
		resp.Extra = map[string]json.RawMessage{"data": data}
		return resp, nil
	}
	return nil, protocol.Errorf(protocol.ErrNotImplemented, "unsupported request type: %s", req.RequestType())
}

func withRunID(resp *device.Response, id int) *device.Response {
	resp.Extra = map[string]json.RawMessage{"runId": json.RawMessage(strconv.Itoa(id))}
	return resp
}

func (c *Controller) checkSection(id int) error {
	if id < 0 || id >= len(c.state.Sections) {
		return protocol.Errorf(protocol.ErrNotFound, "section %d does not exist", id)
	}
	return nil
}

func (c *Controller) program(id int) (*device.Program, error) {
	if id < 0 || id >= len(c.state.Programs) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "program %d does not exist", id)
	}
	return &c.state.Programs[id], nil
}

// enqueue appends a run and returns its id
func (c *Controller) enqueue(section int, d device.Duration) int {
	id := c.nextRunID
	c.nextRunID++
	c.state.SectionRunner.Queue = append(c.state.SectionRunner.Queue, device.SectionRun{
		ID:            id,
		Section:       section,
		TotalDuration: d,
		Duration:      d,
	})
	return id
}

// startNext promotes the head of the queue when nothing is running
func (c *Controller) startNext() {
	runner := &c.state.SectionRunner
	if runner.Current != nil || runner.Paused || len(runner.Queue) == 0 || c.stopped {
		return
	}
	run := runner.Queue[0]
	runner.Queue = runner.Queue[1:]
	now := c.now()
	run.StartTime = &now
	runner.Current = &run
	c.state.Sections[run.Section].State = true
	c.schedule(run.ID, run.Duration.Std())

	c.logger.Debug().Int("run_id", run.ID).Int("section", run.Section).Msg("Section run started")
}

func (c *Controller) schedule(runID int, after time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(after, func() { c.finish(runID) })
}

// finish completes the current run when its timer fires
func (c *Controller) finish(runID int) {
	c.mutex.Lock()
	current := c.state.SectionRunner.Current
	if current == nil || current.ID != runID || c.state.SectionRunner.Paused {
		c.mutex.Unlock()
		return
	}
	c.timer = nil
	c.endCurrent()
	c.startNext()
	c.mutex.Unlock()

	c.logger.Debug().Int("run_id", runID).Msg("Section run finished")
	c.sync()
}

// endCurrent turns the current section off and drops the run
func (c *Controller) endCurrent() {
	runner := &c.state.SectionRunner
	run := runner.Current
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state.Sections[run.Section].State = false
	runner.Current = nil
	c.forgetRun(run.ID)
}

// forgetRun clears the program link of a run and marks the program
// stopped once none of its runs remain
func (c *Controller) forgetRun(runID int) {
	pid, ok := c.runProgram[runID]
	if !ok {
		return
	}
	delete(c.runProgram, runID)
	for _, other := range c.runProgram {
		if other == pid {
			return
		}
	}
	c.state.Programs[pid].Running = false
}

// cancelWhere removes every queued or current run matching fn and
// returns how many were removed
func (c *Controller) cancelWhere(fn func(*device.SectionRun) bool) int {
	runner := &c.state.SectionRunner
	n := 0
	kept := runner.Queue[:0]
	for i := range runner.Queue {
		if fn(&runner.Queue[i]) {
			c.forgetRun(runner.Queue[i].ID)
			n++
			continue
		}
		kept = append(kept, runner.Queue[i])
	}
	runner.Queue = kept

	if runner.Current != nil && fn(runner.Current) {
		c.endCurrent()
		n++
		c.startNext()
	}
	return n
}

func (c *Controller) setPaused(paused bool) {
	runner := &c.state.SectionRunner
	if runner.Paused == paused {
		return
	}
	runner.Paused = paused
	now := c.now()

	if paused {
		if run := runner.Current; run != nil {
			run.PauseTime = &now
			c.state.Sections[run.Section].State = false
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}
		}
		return
	}

	if run := runner.Current; run != nil {
		run.Duration = device.Duration(run.Remaining(now))
		run.UnpauseTime = &now
		run.PauseTime = nil
		c.state.Sections[run.Section].State = true
		c.schedule(run.ID, run.Duration.Std())
		return
	}
	c.startNext()
}
