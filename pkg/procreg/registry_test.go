// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procreg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAcquireReleaseSlot(t *testing.T) {
	r := New(2, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, r.AcquireSlot(ctx, time.Second))
	require.NoError(t, r.AcquireSlot(ctx, time.Second))
	assert.Equal(t, 2, r.InUse())

	// Third acquire times out while both slots are held.
	err := r.AcquireSlot(ctx, 50*time.Millisecond)
	require.Error(t, err)

	r.ReleaseSlot()
	require.NoError(t, r.AcquireSlot(ctx, time.Second))
}

func TestSlotCapNeverExceeded(t *testing.T) {
	const max = 3
	r := New(max, zaptest.NewLogger(t))
	ctx := context.Background()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, r.AcquireSlot(ctx, 10*time.Second))
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			r.ReleaseSlot()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(max))
	assert.Zero(t, r.InUse())
}

func TestReleaseWakesWaiter(t *testing.T) {
	r := New(1, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, r.AcquireSlot(ctx, time.Second))

	acquired := make(chan error, 1)
	go func() {
		acquired <- r.AcquireSlot(ctx, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.ReleaseSlot()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	r := New(1, zaptest.NewLogger(t))
	require.NoError(t, r.AcquireSlot(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.AcquireSlot(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterUnregister(t *testing.T) {
	r := New(2, zaptest.NewLogger(t))

	r.Register(12345, 7)
	r.Register(12346, 8)
	assert.Len(t, r.Registered(), 2)

	r.Unregister(12345)
	entries := r.Registered()
	require.Len(t, entries, 1)
	assert.Equal(t, int32(12346), entries[0].PID)
	assert.Equal(t, int64(8), entries[0].SessionID)
}

func TestReapOrphansForgetsDeadSessionEntries(t *testing.T) {
	r := New(2, zaptest.NewLogger(t))
	ctx := context.Background()

	// A pid that certainly does not exist: EnsureExit is a no-op, but the
	// registry entry for the dead session must still be dropped.
	r.Register(999999, 42)
	reaped := r.ReapOrphans(ctx, map[int64]bool{7: true}, nil)
	assert.Equal(t, 1, reaped)
	assert.Empty(t, r.Registered())
}

func TestReapOrphansKeepsActiveSessionEntries(t *testing.T) {
	r := New(2, zaptest.NewLogger(t))
	r.Register(999999, 42)
	r.ReapOrphans(context.Background(), map[int64]bool{42: true}, nil)
	assert.Len(t, r.Registered(), 1)
}

func TestMatchesAny(t *testing.T) {
	assert.True(t, matchesAny("/usr/bin/node worker.js", []string{"worker.js"}))
	assert.False(t, matchesAny("/usr/bin/vim", []string{"worker.js", "search-helper"}))
	assert.False(t, matchesAny("anything", []string{""}))
	assert.False(t, matchesAny("anything", nil))
}
