// File: internal/contacts/pool.go
// Package contacts schedules the shared pool of phone/email contact
// slots used for sub account provisioning, and generates the portal
// grade passwords those accounts get.
//
// A slot receives verification SMS for at most one run at a time, and
// consecutive uses are spaced by a processing window so a code from run
// A can never land while run B owns the slot.
package contacts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
)

// Lease is a scheduled reservation of one contact slot. QueueKey names
// the code queue inbound SMS for the slot land on; Cursor is the value
// of the rotating counter when the lease was taken, which doubles as
// the sub account username ordinal.
type Lease struct {
	Slot     schemas.ContactSlot
	QueueKey string
	Cursor   int64
	IssuedAt time.Time
}

// Pool hands out contact slot leases according to the rotating cursor,
// the per slot lock, and the availability watermark.
type Pool struct {
	slots       []schemas.ContactSlot
	store       schemas.SlotStore
	lockTTL     time.Duration
	lockRetries int
	lockBackoff time.Duration
	window      time.Duration
	log         *zap.Logger

	// sleep is swapped out by tests; production uses ctx aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool builds a scheduler over the configured slots.
func NewPool(cfg config.ExchangeConfig, slots []schemas.ContactSlot, store schemas.SlotStore, logger *zap.Logger) *Pool {
	return &Pool{
		slots:       slots,
		store:       store,
		lockTTL:     cfg.LockTTL,
		lockRetries: cfg.LockRetries,
		lockBackoff: cfg.LockBackoff,
		window:      cfg.SlotWindow,
		log:         logger.Named("contacts"),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire reserves the slot the rotating cursor points at. It takes
// the slot lock with bounded retries, advances the availability
// watermark under the lock, releases the lock, and only then waits out
// the remaining window. The returned lease is ready for immediate use.
func (p *Pool) Acquire(ctx context.Context, family schemas.PortalFamily) (*Lease, error) {
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("contact pool is empty")
	}

	cursor, err := p.store.Counter(ctx, exchange.CursorKey(family))
	if err != nil {
		return nil, fmt.Errorf("read slot cursor: %w", err)
	}
	idx := int(cursor % int64(len(p.slots)))
	slot := p.slots[idx]
	slot.Index = idx

	lockKey := exchange.SlotLockKey(family, idx)
	acquired := false
	for attempt := 0; attempt < p.lockRetries; attempt++ {
		ok, err := p.store.TryLock(ctx, lockKey, p.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire slot lock %s: %w", lockKey, err)
		}
		if ok {
			acquired = true
			break
		}
		if err := p.sleep(ctx, p.lockBackoff); err != nil {
			return nil, err
		}
	}
	if !acquired {
		return nil, fmt.Errorf("slot %d is busy after %d attempts", idx, p.lockRetries)
	}

	wait, err := p.store.AdvanceWatermark(ctx, exchange.SlotWatermarkKey(family, idx), p.window)
	if err != nil {
		if unlockErr := p.store.Unlock(ctx, lockKey); unlockErr != nil {
			p.log.Warn("failed to release slot lock", zap.String("key", lockKey), zap.Error(unlockErr))
		}
		return nil, fmt.Errorf("advance slot watermark: %w", err)
	}

	// The lock only guards the watermark read-modify-write. Waiting
	// happens outside it so other runs can reserve later windows.
	if err := p.store.Unlock(ctx, lockKey); err != nil {
		p.log.Warn("failed to release slot lock", zap.String("key", lockKey), zap.Error(err))
	}

	if wait > 0 {
		p.log.Info("slot reserved, waiting for window",
			zap.Int("slot", idx),
			zap.Duration("wait", wait))
		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return &Lease{
		Slot:     slot,
		QueueKey: exchange.SlotQueueKey(family, idx),
		Cursor:   cursor,
		IssuedAt: time.Now(),
	}, nil
}

// Advance moves the rotating cursor forward by one. Provisioning calls
// this exactly once per created account and once per duplicate username
// collision, and never on other failures.
func (p *Pool) Advance(ctx context.Context, family schemas.PortalFamily) (int64, error) {
	v, err := p.store.Increment(ctx, exchange.CursorKey(family))
	if err != nil {
		return 0, fmt.Errorf("advance slot cursor: %w", err)
	}
	return v, nil
}

// Username derives the sub account login name for a lease.
func (p *Pool) Username(prefix string, lease *Lease) string {
	return fmt.Sprintf("%s%d", prefix, lease.Cursor+1)
}
