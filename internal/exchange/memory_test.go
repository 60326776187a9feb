// internal/exchange/memory_test.go
package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("delivers entries stamped after since", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		since := time.Now().UnixMilli()

		require.NoError(t, m.Push(ctx, "q1", schemas.Envelope{Action: true, Type: schemas.OpSMS, Data: "123456"}))

		env, err := m.PopSince(ctx, "q1", since, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, "123456", env.Data)
		assert.GreaterOrEqual(t, env.Timestamp, since)
	})

	t.Run("discards entries older than since", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())

		stale := schemas.Envelope{Action: true, Type: schemas.OpSMS, Data: "000000", Timestamp: 1000}
		require.NoError(t, m.Push(ctx, "q2", stale))

		// since is far ahead of the stale entry, so the pop must time
		// out instead of delivering it.
		env, err := m.PopSince(ctx, "q2", time.Now().UnixMilli(), 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, env)

		// The stale entry was dropped, not left behind.
		fresh := schemas.Envelope{Action: true, Type: schemas.OpSMS, Data: "654321"}
		require.NoError(t, m.Push(ctx, "q2", fresh))
		env, err = m.PopSince(ctx, "q2", 0, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, "654321", env.Data)
	})

	t.Run("terminate bypasses the age check", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())

		term := schemas.Envelope{Type: schemas.OpTerminate, Timestamp: 1}
		require.NoError(t, m.Push(ctx, "q3", term))

		env, err := m.PopSince(ctx, "q3", time.Now().UnixMilli(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, schemas.OpTerminate, env.Type)
	})

	t.Run("blocks until a push arrives", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		since := time.Now().UnixMilli()

		done := make(chan *schemas.Envelope, 1)
		go func() {
			env, err := m.PopSince(ctx, "q4", since, 2*time.Second)
			require.NoError(t, err)
			done <- env
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, m.Push(ctx, "q4", schemas.Envelope{Type: schemas.OpEmail, Data: "987654"}))

		select {
		case env := <-done:
			require.NotNil(t, env)
			assert.Equal(t, "987654", env.Data)
		case <-time.After(3 * time.Second):
			t.Fatal("pop did not return after push")
		}
	})

	t.Run("times out with nil when nothing arrives", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		env, err := m.PopSince(ctx, "q5", 0, 30*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("cancelled context surfaces the error", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.PopSince(cctx, "q6", 0, time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	ok, err := m.TryLock(ctx, "lock:a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A held lock cannot be acquired again.
	ok, err = m.TryLock(ctx, "lock:a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock(ctx, "lock:a"))
	ok, err = m.TryLock(ctx, "lock:a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// An expired lock is up for grabs.
	ok, err = m.TryLock(ctx, "lock:b", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	time.Sleep(5 * time.Millisecond)
	ok, err = m.TryLock(ctx, "lock:b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("idle slot needs no wait", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		wait, err := m.AdvanceWatermark(ctx, "wm:idle", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("busy slot returns the remaining wait", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		_, err := m.AdvanceWatermark(ctx, "wm:busy", time.Minute)
		require.NoError(t, err)

		wait, err := m.AdvanceWatermark(ctx, "wm:busy", time.Minute)
		require.NoError(t, err)
		assert.Greater(t, wait, 55*time.Second)
		assert.LessOrEqual(t, wait, time.Minute)
	})

	t.Run("concurrent advances never overlap", func(t *testing.T) {
		t.Parallel()
		m := NewMemory(zap.NewNop())
		const workers = 16
		window := 10 * time.Second

		var mu sync.Mutex
		waits := make([]time.Duration, 0, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wait, err := m.AdvanceWatermark(ctx, "wm:conc", window)
				assert.NoError(t, err)
				mu.Lock()
				waits = append(waits, wait)
				mu.Unlock()
			}()
		}
		wg.Wait()

		// Every reservation got its own window: waits are all distinct
		// multiples of roughly one window apart once sorted.
		seen := make(map[int]bool)
		for _, w := range waits {
			bucket := int((w + window/2) / window)
			assert.False(t, seen[bucket], "two reservations landed in window bucket %d", bucket)
			seen[bucket] = true
		}
	})
}

func TestMemoryCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	v, err := m.Counter(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = m.Increment(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = m.Increment(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(zap.NewNop())
	scope := Scope{Family: schemas.FamilyCoupang, UserID: "seller1", BizNo: "1234567890"}
	sink := NewSink(m, scope, zap.NewNop())

	before := time.Now().UnixMilli()
	require.NoError(t, sink.Publish(ctx, schemas.Envelope{Action: false, Type: schemas.StatusCompleted}))

	statuses := m.Statuses(scope.StatusKey())
	require.Len(t, statuses, 1)
	assert.Equal(t, schemas.StatusCompleted, statuses[0].Type)
	assert.GreaterOrEqual(t, statuses[0].Timestamp, before)

	require.NoError(t, sink.SetLastStatus(ctx, schemas.StatusCompleted))
	v, ok, err := m.GetValue(ctx, scope.LastStatusKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, v)
}

func TestKeys(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "coupangSMS2", SlotQueueKey(schemas.FamilyCoupang, 2))
	assert.Equal(t, "lock:coupang:subAccount0", SlotLockKey(schemas.FamilyCoupang, 0))
	assert.Equal(t, "lastAvailableTime:coupang:subAccount1", SlotWatermarkKey(schemas.FamilyCoupang, 1))
	assert.Equal(t, "subAccountCursor:smartstore", CursorKey(schemas.FamilySmartStore))
}
