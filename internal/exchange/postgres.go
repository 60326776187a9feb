// File: internal/exchange/postgres.go
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// pollInterval paces the blocking pop emulation. Postgres has no brpop,
// so PopSince polls the queue table until the deadline.
const pollInterval = 200 * time.Millisecond

// Postgres is the shared Store used when runs and the intake server are
// separate processes.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres wires a Store onto an existing pool and verifies the
// connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("exchange.postgres"),
	}, nil
}

var _ Store = (*Postgres)(nil)

// InitSchema creates the exchange tables when they do not exist yet.
func (p *Postgres) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS exchange_queue (
			id BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchange_queue_key_ts ON exchange_queue (queue_key, ts)`,
		`CREATE TABLE IF NOT EXISTS exchange_status (
			id BIGSERIAL PRIMARY KEY,
			stream_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_values (
			value_key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_locks (
			lock_key TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_watermarks (
			mark_key TEXT PRIMARY KEY,
			available_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_counters (
			counter_key TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create exchange schema: %w", err)
		}
	}
	return nil
}

// Push appends an envelope to a code queue.
func (p *Postgres) Push(ctx context.Context, key string, env schemas.Envelope) error {
	env = stamp(env)
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO exchange_queue (queue_key, payload, ts) VALUES ($1, $2, $3)`,
		key, payload, env.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", key, err)
	}
	return nil
}

// PopSince polls the queue for the oldest deliverable envelope. Entries
// stamped before since are deleted rather than delivered; terminate
// envelopes are always deliverable.
func (p *Postgres) PopSince(ctx context.Context, key string, since int64, timeout time.Duration) (*schemas.Envelope, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		env, err := p.takeOne(ctx, key, since)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// takeOne claims and removes the oldest entry on key inside one
// transaction. It returns (nil, nil) when the queue holds nothing
// deliverable.
func (p *Postgres) takeOne(ctx context.Context, key string, since int64) (*schemas.Envelope, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	// Stale entries must never satisfy a later round.
	if _, err := tx.Exec(ctx,
		`DELETE FROM exchange_queue
		 WHERE queue_key = $1 AND ts < $2 AND payload->>'type' <> $3`,
		key, since, schemas.OpTerminate); err != nil {
		return nil, fmt.Errorf("failed to drop stale entries: %w", err)
	}

	var (
		id      int64
		payload []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT id, payload FROM exchange_queue
		 WHERE queue_key = $1 AND (ts >= $2 OR payload->>'type' = $3)
		 ORDER BY ts, id LIMIT 1 FOR UPDATE SKIP LOCKED`,
		key, since, schemas.OpTerminate).Scan(&id, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue %s: %w", key, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM exchange_queue WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	var env schemas.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// AppendStatus records a status envelope for a run.
func (p *Postgres) AppendStatus(ctx context.Context, key string, env schemas.Envelope) (schemas.Envelope, error) {
	env = stamp(env)
	payload, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO exchange_status (stream_key, payload, ts) VALUES ($1, $2, $3)`,
		key, payload, env.Timestamp); err != nil {
		return env, fmt.Errorf("failed to append status: %w", err)
	}
	return env, nil
}

func (p *Postgres) SetValue(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO exchange_values (value_key, value) VALUES ($1, $2)
		 ON CONFLICT (value_key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set value %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM exchange_values WHERE value_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get value %s: %w", key, err)
	}
	return value, true, nil
}

// TryLock acquires key for ttl. The upsert only wins when the existing
// row has expired, so a live holder keeps the lock.
func (p *Postgres) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO exchange_locks (lock_key, expires_at) VALUES ($1, now() + $2)
		 ON CONFLICT (lock_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE exchange_locks.expires_at < now()`,
		key, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Unlock(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM exchange_locks WHERE lock_key = $1`, key); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// AdvanceWatermark bumps the slot watermark inside one transaction.
// Callers hold the slot lock, so the row lock only guards against
// crashed holders whose lock expired mid flight.
func (p *Postgres) AdvanceWatermark(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var avail time.Time
	err = tx.QueryRow(ctx,
		`SELECT available_at FROM exchange_watermarks WHERE mark_key = $1 FOR UPDATE`,
		key).Scan(&avail)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read watermark %s: %w", key, err)
	}

	now := time.Now()
	var wait time.Duration
	var next time.Time
	if now.Before(avail) {
		wait = avail.Sub(now)
		next = avail.Add(window)
	} else {
		next = now.Add(window)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO exchange_watermarks (mark_key, available_at) VALUES ($1, $2)
		 ON CONFLICT (mark_key) DO UPDATE SET available_at = EXCLUDED.available_at`,
		key, next); err != nil {
		return 0, fmt.Errorf("failed to advance watermark %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return wait, nil
}

func (p *Postgres) Increment(ctx context.Context, key string) (int64, error) {
	var value int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO exchange_counters (counter_key, value) VALUES ($1, 1)
		 ON CONFLICT (counter_key) DO UPDATE SET value = exchange_counters.value + 1
		 RETURNING value`,
		key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Counter(ctx context.Context, key string) (int64, error) {
	var value int64
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM exchange_counters WHERE counter_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return value, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
