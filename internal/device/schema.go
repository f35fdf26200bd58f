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
)

// Wire decoding is a partial merge: keys missing from the payload leave
// the target untouched, and lists are resized to the incoming length then
// merged element by element.

// maxListLength bounds lists sized by a broker payload or topic index
const maxListLength = 1024

type fields map[string]json.RawMessage

func decodeFields(raw json.RawMessage, what string) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s must be an object: %w", what, err)
	}
	return f, nil
}

func (f fields) merge(key string, dst any) error {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func (f fields) mergeAll(dsts map[string]any) error {
	for key, dst := range dsts {
		if err := f.merge(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func resize[T any](list []T, n int, create func(i int) T) []T {
	if list == nil {
		list = make([]T, 0, n)
	}
	if n <= len(list) {
		return list[:n]
	}
	for i := len(list); i < n; i++ {
		list = append(list, create(i))
	}
	return list
}

// mergeList applies an incoming JSON array to list. A null array leaves
// the list unchanged.
func mergeList[T any](list []T, raw json.RawMessage, create func(i int) T, apply func(*T, json.RawMessage) error) ([]T, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return list, fmt.Errorf("expected a list: %w", err)
	}
	if items == nil {
		return list, nil
	}
	if len(items) > maxListLength {
		return list, fmt.Errorf("list of %d items exceeds limit of %d", len(items), maxListLength)
	}
	list = resize(list, len(items), create)
	for i, item := range items {
		if err := apply(&list[i], item); err != nil {
			return list, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return list, nil
}

func mergeListField[T any](f fields, key string, list *[]T, create func(i int) T, apply func(*T, json.RawMessage) error) error {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	merged, err := mergeList(*list, raw, create, apply)
	*list = merged
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func unmarshalInto[T any](dst *T, raw json.RawMessage) error {
	return json.Unmarshal(raw, dst)
}

func newSection(i int) Section {
	return Section{ID: i}
}

func newProgram(i int) Program {
	return Program{ID: i, Sequence: []ProgramItem{}, Schedule: Schedule{Times: []TimeOfDay{}, Weekdays: []int{}}}
}

func newSectionRun(int) SectionRun {
	return SectionRun{}
}

func newProgramItem(int) ProgramItem {
	return ProgramItem{}
}

func newTimeOfDay(int) TimeOfDay {
	return TimeOfDay{}
}

func newWeekday(int) int {
	return 0
}

// ApplyUpdate merges a partial section payload. The id is positional and
// never taken from the payload.
func (s *Section) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "section")
	if err != nil {
		return err
	}
	return f.mergeAll(map[string]any{
		"name":  &s.Name,
		"state": &s.State,
	})
}

// ApplyUpdate merges a partial schedule payload
func (s *Schedule) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "schedule")
	if err != nil {
		return err
	}
	if err := mergeListField(f, "times", &s.Times, newTimeOfDay, unmarshalInto[TimeOfDay]); err != nil {
		return err
	}
	if err := mergeListField(f, "weekdays", &s.Weekdays, newWeekday, unmarshalInto[int]); err != nil {
		return err
	}
	return f.mergeAll(map[string]any{
		"from": &s.From,
		"to":   &s.To,
	})
}

// ApplyUpdate merges a partial program payload
func (p *Program) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "program")
	if err != nil {
		return err
	}
	if err := f.mergeAll(map[string]any{
		"id":      &p.ID,
		"name":    &p.Name,
		"enabled": &p.Enabled,
		"running": &p.Running,
	}); err != nil {
		return err
	}
	if sched, ok := f["schedule"]; ok {
		if err := p.Schedule.ApplyUpdate(sched); err != nil {
			return err
		}
	}
	return mergeListField(f, "sequence", &p.Sequence, newProgramItem, unmarshalInto[ProgramItem])
}

// ApplyUpdate merges a partial section run payload
func (r *SectionRun) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "section run")
	if err != nil {
		return err
	}
	return f.mergeAll(map[string]any{
		"id":            &r.ID,
		"section":       &r.Section,
		"totalDuration": &r.TotalDuration,
		"duration":      &r.Duration,
		"startTime":     &r.StartTime,
		"pauseTime":     &r.PauseTime,
		"unpauseTime":   &r.UnpauseTime,
	})
}

// ApplyUpdate merges a partial section runner payload. A null current
// run clears it.
func (r *SectionRunner) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "section runner")
	if err != nil {
		return err
	}
	if err := f.merge("paused", &r.Paused); err != nil {
		return err
	}
	if err := mergeListField(f, "queue", &r.Queue, newSectionRun, (*SectionRun).ApplyUpdate); err != nil {
		return err
	}
	if cur, ok := f["current"]; ok {
		if isNull(cur) {
			r.Current = nil
		} else {
			if r.Current == nil {
				r.Current = &SectionRun{}
			}
			if err := r.Current.ApplyUpdate(cur); err != nil {
				return fmt.Errorf("invalid current: %w", err)
			}
		}
	}
	return nil
}

// ApplyUpdate merges a partial device payload, either a full snapshot or
// any subset of it. The device id never changes.
func (s *State) ApplyUpdate(raw json.RawMessage) error {
	f, err := decodeFields(raw, "device state")
	if err != nil {
		return err
	}
	if err := f.merge("connectionState", &s.ConnectionState); err != nil {
		return err
	}
	if err := mergeListField(f, "sections", &s.Sections, newSection, (*Section).ApplyUpdate); err != nil {
		return err
	}
	if err := mergeListField(f, "programs", &s.Programs, newProgram, (*Program).ApplyUpdate); err != nil {
		return err
	}
	if runner, ok := f["sectionRunner"]; ok {
		if err := s.SectionRunner.ApplyUpdate(runner); err != nil {
			return err
		}
	}
	return nil
}

var sectionFields = map[string]bool{"name": true, "state": true}

var programFields = map[string]bool{
	"name": true, "enabled": true, "running": true, "schedule": true, "sequence": true,
}

// fieldPayload turns a per-field topic payload into a one-key object.
// Payloads that are not JSON, and bare text for the name field, are taken
// as strings.
func fieldPayload(field string, payload []byte) (json.RawMessage, error) {
	value := bytes.TrimSpace(payload)
	if !json.Valid(value) || (field == "name" && (len(value) == 0 || value[0] != '"')) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		value = quoted
	}
	return json.Marshal(map[string]json.RawMessage{field: value})
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func parseCount(payload []byte) (int, error) {
	var n int
	if err := json.Unmarshal(bytes.TrimSpace(payload), &n); err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", payload, err)
	}
	if n < 0 || n > maxListLength {
		return 0, fmt.Errorf("count %d out of range", n)
	}
	return n, nil
}

func checkIndex(i int) error {
	if i < 0 || i >= maxListLength {
		return fmt.Errorf("index %d out of range", i)
	}
	return nil
}
