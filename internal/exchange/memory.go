// File: internal/exchange/memory.go
package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// Memory is the in-process Store. It backs tests and single node runs
// where the intake server and the workers share an address space.
type Memory struct {
	mu         sync.Mutex
	queues     map[string][]schemas.Envelope
	notify     map[string]chan struct{}
	statuses   map[string][]schemas.Envelope
	values     map[string]string
	locks      map[string]time.Time
	watermarks map[string]time.Time
	counters   map[string]int64
	log        *zap.Logger
}

// NewMemory creates an empty in-process exchange store.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		queues:     make(map[string][]schemas.Envelope),
		notify:     make(map[string]chan struct{}),
		statuses:   make(map[string][]schemas.Envelope),
		values:     make(map[string]string),
		locks:      make(map[string]time.Time),
		watermarks: make(map[string]time.Time),
		counters:   make(map[string]int64),
		log:        logger.Named("exchange.memory"),
	}
}

var _ Store = (*Memory)(nil)

// notifyCh returns the wakeup channel for a queue key. Callers hold mu.
func (m *Memory) notifyCh(key string) chan struct{} {
	ch, ok := m.notify[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[key] = ch
	}
	return ch
}

// Push appends an envelope to a code queue and wakes one waiter.
func (m *Memory) Push(ctx context.Context, key string, env schemas.Envelope) error {
	env = stamp(env)
	m.mu.Lock()
	m.queues[key] = append(m.queues[key], env)
	ch := m.notifyCh(key)
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// PopSince blocks until an envelope stamped at or after since arrives on
// key, the timeout lapses, or ctx is cancelled. Older entries are
// dropped on the floor; terminate envelopes bypass the age check.
func (m *Memory) PopSince(ctx context.Context, key string, since int64, timeout time.Duration) (*schemas.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		queue := m.queues[key]
		for len(queue) > 0 {
			head := queue[0]
			queue = queue[1:]
			if head.Type == schemas.OpTerminate || head.Timestamp >= since {
				m.queues[key] = queue
				m.mu.Unlock()
				return &head, nil
			}
			// Stale: issued before the current round asked.
			m.log.Debug("discarding stale queue entry",
				zap.String("key", key),
				zap.Int64("entry_ts", head.Timestamp),
				zap.Int64("since", since))
		}
		m.queues[key] = queue
		ch := m.notifyCh(key)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AppendStatus records a status envelope for a run.
func (m *Memory) AppendStatus(ctx context.Context, key string, env schemas.Envelope) (schemas.Envelope, error) {
	env = stamp(env)
	m.mu.Lock()
	m.statuses[key] = append(m.statuses[key], env)
	m.mu.Unlock()
	return env, nil
}

// Statuses returns a copy of the status stream for a run. Tests and the
// in-process product backend read progress through this.
func (m *Memory) Statuses(key string) []schemas.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.Envelope, len(m.statuses[key]))
	copy(out, m.statuses[key])
	return out
}

func (m *Memory) SetValue(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetValue(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// TryLock acquires key until ttl elapses or Unlock runs. It never
// blocks; callers own the retry loop.
func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, held := m.locks[key]; held && now.Before(expiry) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

// Unlock releases key. Releasing an expired or absent lock is a no-op.
func (m *Memory) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.locks, key)
	m.mu.Unlock()
	return nil
}

// AdvanceWatermark bumps the slot watermark and reports how long the
// caller has to wait. The watermark only ever moves forward.
func (m *Memory) AdvanceWatermark(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.watermarks[key]
	if !now.Before(avail) {
		m.watermarks[key] = now.Add(window)
		return 0, nil
	}
	m.watermarks[key] = avail.Add(window)
	return avail.Sub(now), nil
}

func (m *Memory) Increment(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) Counter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

// Close releases nothing; it exists to satisfy Store.
func (m *Memory) Close() {}
