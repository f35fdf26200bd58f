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

// Package device holds the in-memory state of irrigation devices and the
// requests they accept.
package device

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Device owns the state of one device. All mutation goes through its
// lock; observers run after the lock is released.
type Device struct {
	mutex   sync.RWMutex
	state   State
	version uint64

	observerMutex sync.Mutex
	observers     map[uint64]func()
	nextObserver  uint64
}

// New creates a device with empty state and unknown links
func New(id string) *Device {
	return &Device{
		state: State{
			ID:            id,
			Sections:      []Section{},
			Programs:      []Program{},
			SectionRunner: SectionRunner{Queue: []SectionRun{}},
		},
		observers: make(map[uint64]func()),
	}
}

// ID returns the device id
func (d *Device) ID() string {
	return d.state.ID
}

// Observe registers fn to run after every change. The returned function
// removes it and may be called more than once.
func (d *Device) Observe(fn func()) (cancel func()) {
	d.observerMutex.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	d.observerMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.observerMutex.Lock()
			delete(d.observers, id)
			d.observerMutex.Unlock()
		})
	}
}

// ObserverCount returns the number of registered observers
func (d *Device) ObserverCount() int {
	d.observerMutex.Lock()
	defer d.observerMutex.Unlock()
	return len(d.observers)
}

func (d *Device) notify() {
	d.observerMutex.Lock()
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.observerMutex.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// update applies fn to a copy of the state and commits it only if fn
// succeeds, so a bad payload never leaves a half-applied update behind.
func (d *Device) update(fn func(*State) (bool, error)) error {
	d.mutex.Lock()
	next := d.state.Clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		d.mutex.Unlock()
		return err
	}
	d.state = next
	d.version++
	d.mutex.Unlock()

	d.notify()
	return nil
}

// Snapshot returns a deep copy of the current state
func (d *Device) Snapshot() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.Clone()
}

// Version increases on every committed change
func (d *Device) Version() uint64 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.version
}

// MarshalJSON encodes the full state
func (d *Device) MarshalJSON() ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return json.Marshal(&d.state)
}

// ConnectionState returns the current link states
func (d *Device) ConnectionState() ConnectionState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.ConnectionState
}

func (d *Device) setLink(pick func(*ConnectionState) *Tristate, value Tristate) bool {
	d.mutex.Lock()
	link := pick(&d.state.ConnectionState)
	if *link == value {
		d.mutex.Unlock()
		return false
	}
	*link = value
	d.version++
	d.mutex.Unlock()

	d.notify()
	return true
}

// SetClientToServer records the client link. It reports whether the
// value changed.
func (d *Device) SetClientToServer(v Tristate) bool {
	return d.setLink(func(c *ConnectionState) *Tristate { return &c.ClientToServer }, v)
}

// SetServerToBroker records the broker link
func (d *Device) SetServerToBroker(v Tristate) bool {
	return d.setLink(func(c *ConnectionState) *Tristate { return &c.ServerToBroker }, v)
}

// SetBrokerToDevice records whether the device is online
func (d *Device) SetBrokerToDevice(v Tristate) bool {
	return d.setLink(func(c *ConnectionState) *Tristate { return &c.BrokerToDevice }, v)
}

// SetHasPermission records the permission check result
func (d *Device) SetHasPermission(v Tristate) bool {
	return d.setLink(func(c *ConnectionState) *Tristate { return &c.HasPermission }, v)
}

// ApplyUpdate merges a full or partial state payload
func (d *Device) ApplyUpdate(raw json.RawMessage) error {
	return d.update(func(s *State) (bool, error) {
		return true, s.ApplyUpdate(raw)
	})
}

// ApplyConnected handles the device's online flag
func (d *Device) ApplyConnected(payload []byte) error {
	var online bool
	if err := json.Unmarshal(payload, &online); err != nil {
		return fmt.Errorf("invalid connected payload %q: %w", payload, err)
	}
	d.SetBrokerToDevice(TristateOf(online))
	return nil
}

// ApplySectionCount resizes the section list
func (d *Device) ApplySectionCount(payload []byte) error {
	n, err := parseCount(payload)
	if err != nil {
		return err
	}
	return d.update(func(s *State) (bool, error) {
		if n == len(s.Sections) {
			return false, nil
		}
		s.Sections = resize(s.Sections, n, newSection)
		return true, nil
	})
}

// ApplySection merges a payload into section i, growing the list if needed
func (d *Device) ApplySection(i int, raw json.RawMessage) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	return d.update(func(s *State) (bool, error) {
		if i >= len(s.Sections) {
			s.Sections = resize(s.Sections, i+1, newSection)
		}
		return true, s.Sections[i].ApplyUpdate(raw)
	})
}

// ApplySectionField sets one field of section i
func (d *Device) ApplySectionField(i int, field string, payload []byte) error {
	if !sectionFields[field] {
		return fmt.Errorf("unknown section field %q", field)
	}
	raw, err := fieldPayload(field, payload)
	if err != nil {
		return err
	}
	return d.ApplySection(i, raw)
}

// ApplyProgramCount resizes the program list
func (d *Device) ApplyProgramCount(payload []byte) error {
	n, err := parseCount(payload)
	if err != nil {
		return err
	}
	return d.update(func(s *State) (bool, error) {
		if n == len(s.Programs) {
			return false, nil
		}
		s.Programs = resize(s.Programs, n, newProgram)
		return true, nil
	})
}

// ApplyProgram merges a payload into program i, growing the list if needed
func (d *Device) ApplyProgram(i int, raw json.RawMessage) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	return d.update(func(s *State) (bool, error) {
		if i >= len(s.Programs) {
			s.Programs = resize(s.Programs, i+1, newProgram)
		}
		return true, s.Programs[i].ApplyUpdate(raw)
	})
}

// ApplyProgramField sets one field of program i
func (d *Device) ApplyProgramField(i int, field string, payload []byte) error {
	if !programFields[field] {
		return fmt.Errorf("unknown program field %q", field)
	}
	raw, err := fieldPayload(field, payload)
	if err != nil {
		return err
	}
	return d.ApplyProgram(i, raw)
}

// ApplySectionRunner merges a section runner snapshot
func (d *Device) ApplySectionRunner(raw json.RawMessage) error {
	return d.update(func(s *State) (bool, error) {
		return true, s.SectionRunner.ApplyUpdate(raw)
	})
}
