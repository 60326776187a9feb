// internal/exchange/postgres_test.go
package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	store, err := NewPostgres(context.Background(), mock, zap.NewNop())
	require.NoError(t, err)
	return store, mock
}

func TestPostgresTryLock(t *testing.T) {
	ctx := context.Background()

	t.Run("acquires when no live holder", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO exchange_locks").
			WithArgs("lock:coupang:subAccount0", time.Second).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		ok, err := store.TryLock(ctx, "lock:coupang:subAccount0", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loses to a live holder", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO exchange_locks").
			WithArgs("lock:coupang:subAccount0", time.Second).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		ok, err := store.TryLock(ctx, "lock:coupang:subAccount0", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresUnlock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM exchange_locks").
		WithArgs("lock:x").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Unlock(context.Background(), "lock:x"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrement(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO exchange_counters").
		WithArgs("subAccountCursor:coupang").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(int64(7)))

	v, err := store.Increment(context.Background(), "subAccountCursor:coupang")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounterMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM exchange_counters").
		WithArgs("subAccountCursor:coupang").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	v, err := store.Counter(context.Background(), "subAccountCursor:coupang")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresValues(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO exchange_values").
		WithArgs("lastStatus:coupang:u:b", schemas.StatusCompleted).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SetValue(ctx, "lastStatus:coupang:u:b", schemas.StatusCompleted))

	mock.ExpectQuery("SELECT value FROM exchange_values").
		WithArgs("lastStatus:coupang:u:b").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(schemas.StatusCompleted))
	v, ok, err := store.GetValue(ctx, "lastStatus:coupang:u:b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, v)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPushStampsTimestamp(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Now().UnixMilli()

	mock.ExpectExec("INSERT INTO exchange_queue").
		WithArgs("coupangSMS0", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	env := schemas.Envelope{Action: true, Type: schemas.OpSMS, Data: "123456"}
	require.NoError(t, store.Push(context.Background(), "coupangSMS0", env))
	require.NoError(t, mock.ExpectationsWereMet())

	// The zero timestamp on the way in proves the store stamped it,
	// which the stamp helper covers directly.
	stamped := stamp(env)
	assert.GreaterOrEqual(t, stamped.Timestamp, before)
}

func TestPostgresAdvanceWatermarkFresh(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT available_at FROM exchange_watermarks").
		WithArgs("wm:k").
		WillReturnRows(pgxmock.NewRows([]string{"available_at"}))
	mock.ExpectExec("INSERT INTO exchange_watermarks").
		WithArgs("wm:k", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	wait, err := store.AdvanceWatermark(context.Background(), "wm:k", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
	require.NoError(t, mock.ExpectationsWereMet())
}
