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

package rpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sprinklers/internal/rpc"
)

func TestRegister(t *testing.T) {
	t.Run("allocates increasing ids", func(t *testing.T) {
		table := rpc.NewTable[string]()
		id1, _ := table.Register("a", 0)
		id2, _ := table.Register("a", 0)
		assert.Equal(t, uint32(1), id1)
		assert.Equal(t, uint32(2), id2)
		assert.Equal(t, 2, table.Pending())
	})

	t.Run("skips zero and pending ids on wrap", func(t *testing.T) {
		table := rpc.NewTable[string](rpc.WithFirstID(^uint32(0)))
		last, _ := table.Register("a", 0)
		assert.Equal(t, ^uint32(0), last)

		first, _ := table.Register("a", 0)
		assert.Equal(t, uint32(1), first)
	})

	t.Run("never reuses a pending id", func(t *testing.T) {
		table := rpc.NewTable[string](rpc.WithFirstID(^uint32(0) - 1))
		held, _ := table.Register("a", 0)
		table.Register("a", 0)

		// Walk the counter around so it reaches held again.
		for i := 0; i < 3; i++ {
			id, _ := table.Register("a", 0)
			table.Resolve(id, "")
		}
		require.True(t, table.Has(held))
		seen := map[uint32]bool{}
		for i := 0; i < 10; i++ {
			id, _ := table.Register("b", 0)
			assert.NotEqual(t, held, id)
			assert.False(t, seen[id])
			seen[id] = true
		}
	})
}

func TestResolve(t *testing.T) {
	t.Run("delivers value once", func(t *testing.T) {
		table := rpc.NewTable[string]()
		id, future := table.Register("a", time.Second)

		assert.True(t, table.Resolve(id, "ok"))
		assert.False(t, table.Resolve(id, "again"))
		assert.False(t, table.Reject(id, errors.New("late")))

		value, err := future.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", value)
		assert.Equal(t, 0, table.Pending())

		select {
		case <-future.Done():
			t.Fatal("Expected a single outcome")
		default:
		}
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		table := rpc.NewTable[string]()
		assert.False(t, table.Resolve(42, "x"))
	})

	t.Run("ResolveFrom checks owner", func(t *testing.T) {
		table := rpc.NewTable[int]()
		id, future := table.Register("dev1", time.Second)

		assert.False(t, table.ResolveFrom("dev2", id, 1))
		assert.True(t, table.Has(id))
		assert.True(t, table.ResolveFrom("dev1", id, 2))

		value, err := future.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, value)
	})

	t.Run("concurrent resolvers deliver exactly one outcome", func(t *testing.T) {
		table := rpc.NewTable[int]()
		id, future := table.Register("a", 0)

		var wg sync.WaitGroup
		wins := make(chan int, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if table.Resolve(id, i) {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []int
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1)
		value, err := future.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, winners[0], value)
	})
}

func TestTimeout(t *testing.T) {
	table := rpc.NewTable[string]()
	start := time.Now()
	id, future := table.Register("a", 50*time.Millisecond)

	_, err := future.Wait(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, table.Has(id))
	assert.False(t, table.Resolve(id, "late"))

	stats := table.GetStats()
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, 0, stats.Pending)
}

func TestRejectOwner(t *testing.T) {
	table := rpc.NewTable[string]()
	_, f1 := table.Register("session-1", time.Second)
	_, f2 := table.Register("session-1", time.Second)
	id3, f3 := table.Register("session-2", time.Second)

	n := table.RejectOwner("session-1", rpc.ErrDisconnected)
	assert.Equal(t, 2, n)

	for _, f := range []rpc.Future[string]{f1, f2} {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, rpc.ErrDisconnected)
	}

	assert.True(t, table.Has(id3))
	assert.True(t, table.Resolve(id3, "fine"))
	value, err := f3.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fine", value)
}

func TestRejectAll(t *testing.T) {
	table := rpc.NewTable[string]()
	var futures []rpc.Future[string]
	for _, owner := range []string{"a", "b", "c"} {
		_, f := table.Register(owner, 20*time.Millisecond)
		futures = append(futures, f)
	}

	assert.Equal(t, 3, table.RejectAll(rpc.ErrDisconnected))
	assert.Equal(t, 0, table.Pending())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, rpc.ErrDisconnected)
	}

	// Stopped timers must not produce a second outcome.
	time.Sleep(50 * time.Millisecond)
	for _, f := range futures {
		select {
		case <-f.Done():
			t.Fatal("Expected no outcome after teardown")
		default:
		}
	}
	assert.Equal(t, 0, table.GetStats().TimedOut)
}

func TestWaitContext(t *testing.T) {
	table := rpc.NewTable[string]()
	id, future := table.Register("a", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoning the wait leaves the call resolvable.
	assert.True(t, table.Has(id))
	assert.True(t, table.Resolve(id, "later"))
}
