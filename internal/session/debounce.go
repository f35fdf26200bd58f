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

package session

import (
	"sync"
	"time"
)

// debouncer calls flush once changes have been quiet for delay. A
// steady stream of changes still flushes at least every maxWait.
type debouncer struct {
	delay   time.Duration
	maxWait time.Duration
	flush   func()

	mutex   sync.Mutex
	timer   *time.Timer
	first   time.Time
	gen     uint64
	stopped bool
}

func newDebouncer(delay time.Duration, flush func()) *debouncer {
	return &debouncer{delay: delay, maxWait: 10 * delay, flush: flush}
}

func (d *debouncer) trigger() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}

	now := time.Now()
	if d.timer == nil {
		d.first = now
	} else {
		if now.Sub(d.first)+d.delay > d.maxWait {
			return
		}
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *debouncer) fire(gen uint64) {
	d.mutex.Lock()
	if d.stopped || gen != d.gen {
		d.mutex.Unlock()
		return
	}
	d.timer = nil
	d.mutex.Unlock()

	d.flush()
}

// stop cancels any pending flush. Flushes already running finish.
func (d *debouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
