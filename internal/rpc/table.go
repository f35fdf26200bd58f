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

// Package rpc correlates outgoing calls with asynchronous replies.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is delivered when no reply arrives within the call timeout
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected is delivered when the owner of a call goes away
	ErrDisconnected = errors.New("disconnected")
)

// Outcome is the single result of a pending call
type Outcome[T any] struct {
	Value T
	Err   error
}

// Future delivers the outcome of one registered call
type Future[T any] struct {
	ch <-chan Outcome[T]
}

// Done returns a channel that receives exactly one Outcome
func (f Future[T]) Done() <-chan Outcome[T] {
	return f.ch
}

// Wait blocks until the call resolves or ctx is done. Giving up on ctx
// leaves the call pending; it still resolves through its table.
func (f Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case out := <-f.ch:
		return out.Value, out.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type pendingCall[T any] struct {
	id     uint32
	owner  string
	result chan Outcome[T]
	timer  *time.Timer
}

// Stats is a point-in-time view of a table
type Stats struct {
	Pending   int `json:"pending"`
	Resolved  int `json:"resolved"`
	Rejected  int `json:"rejected"`
	TimedOut  int `json:"timed_out"`
	Abandoned int `json:"abandoned"`
}

// Table is a registry of pending calls keyed by id. Every registered id
// resolves exactly once: by Resolve, Reject, timeout, or owner teardown.
type Table[T any] struct {
	mutex   sync.Mutex
	next    uint32
	pending map[uint32]*pendingCall[T]
	stats   Stats
}

// Option configures a Table
type Option func(*tableOptions)

type tableOptions struct {
	firstID uint32
}

// WithFirstID starts id allocation at id
func WithFirstID(id uint32) Option {
	return func(o *tableOptions) {
		o.firstID = id
	}
}

// NewTable creates an empty table
func NewTable[T any](options ...Option) *Table[T] {
	opts := &tableOptions{firstID: 1}
	for _, option := range options {
		option(opts)
	}
	return &Table[T]{
		next:    opts.firstID,
		pending: make(map[uint32]*pendingCall[T]),
	}
}

// Register allocates an id for a new call owned by owner. A positive
// timeout rejects the call with ErrTimeout once it elapses.
func (t *Table[T]) Register(owner string, timeout time.Duration) (uint32, Future[T]) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	id := t.allocateID()
	call := &pendingCall[T]{
		id:     id,
		owner:  owner,
		result: make(chan Outcome[T], 1),
	}
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			if t.settle(id, "", false, Outcome[T]{Err: fmt.Errorf("%w after %v", ErrTimeout, timeout)}) {
				t.mutex.Lock()
				t.stats.TimedOut++
				t.mutex.Unlock()
			}
		})
	}
	t.pending[id] = call
	return id, Future[T]{ch: call.result}
}

// allocateID must be called with the mutex held. Ids that are still
// pending are skipped, so a wrapped counter never collides.
func (t *Table[T]) allocateID() uint32 {
	for {
		id := t.next
		t.next++
		if id == 0 {
			continue
		}
		if _, busy := t.pending[id]; !busy {
			return id
		}
	}
}

// Resolve completes a call successfully. It returns false if no call
// with that id is pending.
func (t *Table[T]) Resolve(id uint32, value T) bool {
	ok := t.settle(id, "", false, Outcome[T]{Value: value})
	if ok {
		t.count(func(s *Stats) { s.Resolved++ })
	}
	return ok
}

// ResolveFrom completes a call only if it is pending and owned by owner
func (t *Table[T]) ResolveFrom(owner string, id uint32, value T) bool {
	ok := t.settle(id, owner, true, Outcome[T]{Value: value})
	if ok {
		t.count(func(s *Stats) { s.Resolved++ })
	}
	return ok
}

// Reject completes a call with err
func (t *Table[T]) Reject(id uint32, err error) bool {
	ok := t.settle(id, "", false, Outcome[T]{Err: err})
	if ok {
		t.count(func(s *Stats) { s.Rejected++ })
	}
	return ok
}

// RejectOwner rejects every pending call of owner and returns how many
// were rejected
func (t *Table[T]) RejectOwner(owner string, err error) int {
	return t.rejectWhere(func(c *pendingCall[T]) bool { return c.owner == owner }, err)
}

// RejectAll rejects every pending call
func (t *Table[T]) RejectAll(err error) int {
	return t.rejectWhere(func(*pendingCall[T]) bool { return true }, err)
}

func (t *Table[T]) rejectWhere(match func(*pendingCall[T]) bool, err error) int {
	t.mutex.Lock()
	var calls []*pendingCall[T]
	for id, call := range t.pending {
		if match(call) {
			delete(t.pending, id)
			calls = append(calls, call)
		}
	}
	t.stats.Abandoned += len(calls)
	t.mutex.Unlock()

	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.result <- Outcome[T]{Err: err}
	}
	return len(calls)
}

// settle removes the call before delivering its outcome, so a second
// resolution attempt finds nothing.
func (t *Table[T]) settle(id uint32, owner string, checkOwner bool, out Outcome[T]) bool {
	t.mutex.Lock()
	call, exists := t.pending[id]
	if !exists || (checkOwner && call.owner != owner) {
		t.mutex.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mutex.Unlock()

	if call.timer != nil {
		call.timer.Stop()
	}
	call.result <- out
	return true
}

func (t *Table[T]) count(fn func(*Stats)) {
	t.mutex.Lock()
	fn(&t.stats)
	t.mutex.Unlock()
}

// Has reports whether id is pending
func (t *Table[T]) Has(id uint32) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Pending returns the number of unresolved calls
func (t *Table[T]) Pending() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.pending)
}

// GetStats returns table statistics
func (t *Table[T]) GetStats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	stats := t.stats
	stats.Pending = len(t.pending)
	return stats
}
