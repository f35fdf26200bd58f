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
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a span of time encoded on the wire as seconds
type Duration time.Duration

// Seconds builds a Duration from whole seconds
func Seconds(s int) Duration {
	return Duration(time.Duration(s) * time.Second)
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64)), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = 0
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a number of seconds: %w", err)
	}
	if seconds < 0 {
		return fmt.Errorf("duration must not be negative: %v", seconds)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Section is one controllable output. Its ID matches its index in the
// device's section list.
type Section struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	State bool   `json:"state"`
}

// ProgramItem runs one section for a duration
type ProgramItem struct {
	Section  int      `json:"section"`
	Duration Duration `json:"duration"`
}

// TimeOfDay is a wall-clock time within a day
type TimeOfDay struct {
	Hour        int `json:"hour"`
	Minute      int `json:"minute"`
	Second      int `json:"second"`
	Millisecond int `json:"millisecond"`
}

// DateOfYear is a calendar date
type DateOfYear struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// Schedule decides when a program starts
type Schedule struct {
	Times    []TimeOfDay `json:"times"`
	Weekdays []int       `json:"weekdays"`
	From     *DateOfYear `json:"from"`
	To       *DateOfYear `json:"to"`
}

// Program is a named, schedulable sequence of section runs
type Program struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Schedule Schedule      `json:"schedule"`
	Sequence []ProgramItem `json:"sequence"`
}

// SectionRun is one queued or active run of a section. Duration is the
// time left as of the latest of StartTime and UnpauseTime.
type SectionRun struct {
	ID            int        `json:"id"`
	Section       int        `json:"section"`
	TotalDuration Duration   `json:"totalDuration"`
	Duration      Duration   `json:"duration"`
	StartTime     *time.Time `json:"startTime"`
	PauseTime     *time.Time `json:"pauseTime"`
	UnpauseTime   *time.Time `json:"unpauseTime"`
}

// Remaining returns the time left at now
func (r *SectionRun) Remaining(now time.Time) time.Duration {
	if r.StartTime == nil {
		return r.Duration.Std()
	}
	ref := *r.StartTime
	if r.UnpauseTime != nil && r.UnpauseTime.After(ref) {
		ref = *r.UnpauseTime
	}
	end := now
	if r.PauseTime != nil && !r.PauseTime.Before(ref) {
		end = *r.PauseTime
	}
	left := r.Duration.Std() - end.Sub(ref)
	if left < 0 {
		return 0
	}
	return left
}

// Elapsed returns how much of the run has completed at now
func (r *SectionRun) Elapsed(now time.Time) time.Duration {
	elapsed := r.TotalDuration.Std() - r.Remaining(now)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// SectionRunner is the device's run queue
type SectionRunner struct {
	Queue   []SectionRun `json:"queue"`
	Current *SectionRun  `json:"current"`
	Paused  bool         `json:"paused"`
}

// State is the full observable state of one device
type State struct {
	ID              string          `json:"id"`
	ConnectionState ConnectionState `json:"connectionState"`
	Sections        []Section       `json:"sections"`
	Programs        []Program       `json:"programs"`
	SectionRunner   SectionRunner   `json:"sectionRunner"`
}

// Clone returns a deep copy
func (s *State) Clone() State {
	c := *s
	c.Sections = cloneSlice(s.Sections)
	c.Programs = cloneSlice(s.Programs)
	for i := range c.Programs {
		c.Programs[i] = s.Programs[i].Clone()
	}
	c.SectionRunner = s.SectionRunner.clone()
	return c
}

// Clone returns a deep copy
func (p *Program) Clone() Program {
	c := *p
	c.Sequence = cloneSlice(p.Sequence)
	c.Schedule.Times = cloneSlice(p.Schedule.Times)
	c.Schedule.Weekdays = cloneSlice(p.Schedule.Weekdays)
	c.Schedule.From = cloneDate(p.Schedule.From)
	c.Schedule.To = cloneDate(p.Schedule.To)
	return c
}

func (r *SectionRunner) clone() SectionRunner {
	c := SectionRunner{Paused: r.Paused}
	c.Queue = cloneSlice(r.Queue)
	for i := range c.Queue {
		c.Queue[i] = r.Queue[i].clone()
	}
	if r.Current != nil {
		cur := r.Current.clone()
		c.Current = &cur
	}
	return c
}

func (r *SectionRun) clone() SectionRun {
	c := *r
	c.StartTime = cloneTime(r.StartTime)
	c.PauseTime = cloneTime(r.PauseTime)
	c.UnpauseTime = cloneTime(r.UnpauseTime)
	return c
}

// cloneSlice keeps nil and empty slices apart so snapshots encode the same
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func cloneDate(d *DateOfYear) *DateOfYear {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
