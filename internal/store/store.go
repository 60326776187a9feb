// File: internal/store/store.go
// Package store persists link run artifacts in Postgres: linked sub
// accounts, VAT declarations, run histories and payloads, and the
// diagnostic log that carries failure screenshots.
package store

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
}

// Store is the Postgres implementation of the Repository contract.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New wires a store onto an existing pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

var _ schemas.Repository = (*Store)(nil)

// InitSchema creates the persistence tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS linked_accounts (
			id BIGSERIAL PRIMARY KEY,
			family TEXT NOT NULL,
			biz_no TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			slot_phone TEXT NOT NULL DEFAULT '',
			slot_email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (family, biz_no)
		)`,
		`CREATE TABLE IF NOT EXISTS vat_declares (
			id BIGSERIAL PRIMARY KEY,
			family TEXT NOT NULL,
			biz_no TEXT NOT NULL,
			source TEXT NOT NULL,
			store_id TEXT NOT NULL DEFAULT '',
			store_name TEXT NOT NULL DEFAULT '',
			ym TEXT NOT NULL,
			amounts JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (family, biz_no, source, ym)
		)`,
		`CREATE TABLE IF NOT EXISTS scraping_histories (
			run_id UUID PRIMARY KEY,
			family TEXT NOT NULL,
			user_id TEXT NOT NULL,
			biz_no TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scraping_results (
			run_id UUID PRIMARY KEY REFERENCES scraping_histories (run_id),
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fe_logs (
			id BIGSERIAL PRIMARY KEY,
			code TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			screenshot BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

const sqlUpsertLinkedAccount = `
	INSERT INTO linked_accounts (family, biz_no, username, password, slot_phone, slot_email, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (family, biz_no) DO UPDATE SET
		username = EXCLUDED.username,
		password = EXCLUDED.password,
		slot_phone = EXCLUDED.slot_phone,
		slot_email = EXCLUDED.slot_email,
		created_at = EXCLUDED.created_at`

// SaveSubAccount records the provisioned credential for a business. A
// re-link overwrites the previous credential for the same portal.
func (s *Store) SaveSubAccount(ctx context.Context, acc schemas.SubAccount) error {
	createdAt := acc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, sqlUpsertLinkedAccount,
		string(acc.Family), acc.BizNo, acc.Username, acc.Password,
		acc.Slot.Phone, acc.Slot.Email, createdAt)
	if err != nil {
		return fmt.Errorf("save linked account: %w", err)
	}
	return nil
}

const sqlUpsertVatDeclare = `
	INSERT INTO vat_declares (family, biz_no, source, store_id, store_name, ym, amounts)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (family, biz_no, source, ym) DO UPDATE SET
		store_id = EXCLUDED.store_id,
		store_name = EXCLUDED.store_name,
		amounts = EXCLUDED.amounts`

// SaveVatReports upserts every report of a set in one transaction, so a
// refreshed range replaces stale figures without duplicating rows.
func (s *Store) SaveVatReports(ctx context.Context, bizNo string, family schemas.PortalFamily, set schemas.VatReportSet) error {
	if len(set.Reports) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, report := range set.Reports {
			amounts, err := json.Marshal(report.Amounts)
			if err != nil {
				return fmt.Errorf("marshal amounts: %w", err)
			}
			if _, err := tx.Exec(ctx, sqlUpsertVatDeclare,
				string(family), bizNo, report.Source,
				report.StoreID, report.StoreName, report.YM, amounts); err != nil {
				return fmt.Errorf("save vat declare %s/%s: %w", report.Source, report.YM, err)
			}
		}
		return nil
	})
}

const (
	sqlInsertHistory = `
	INSERT INTO scraping_histories (run_id, family, user_id, biz_no, status, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	sqlInsertResult = `
	INSERT INTO scraping_results (run_id, payload)
	VALUES ($1, $2)`
)

// SaveRunResult records the run history row and the full result payload
// together.
func (s *Store) SaveRunResult(ctx context.Context, res schemas.RunResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlInsertHistory,
			res.RunID, string(res.Family), res.UserID, res.BizNo,
			res.Status, res.StartedAt, res.FinishedAt); err != nil {
			return fmt.Errorf("save run history: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlInsertResult, res.RunID, payload); err != nil {
			return fmt.Errorf("save run payload: %w", err)
		}
		return nil
	})
}

const sqlInsertLog = `
	INSERT INTO fe_logs (code, detail, screenshot)
	VALUES ($1, $2, $3)`

// WriteLog records a progress code with optional detail and an optional
// failure screenshot.
func (s *Store) WriteLog(ctx context.Context, code, detail string, screenshot []byte) error {
	if _, err := s.pool.Exec(ctx, sqlInsertLog, code, detail, screenshot); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

const sqlSelectLinkedAccount = `
	SELECT username, password, slot_phone, slot_email, created_at
	FROM linked_accounts
	WHERE family = $1 AND biz_no = $2`

// LinkedAccount loads the stored credential for a business, or nil when
// none has been provisioned yet.
func (s *Store) LinkedAccount(ctx context.Context, family schemas.PortalFamily, bizNo string) (*schemas.SubAccount, error) {
	acc := schemas.SubAccount{Family: family, BizNo: bizNo}
	err := s.pool.QueryRow(ctx, sqlSelectLinkedAccount, string(family), bizNo).
		Scan(&acc.Username, &acc.Password, &acc.Slot.Phone, &acc.Slot.Email, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	return &acc, nil
}

const sqlSelectVatDeclares = `
	SELECT source, store_id, store_name, ym, amounts
	FROM vat_declares
	WHERE family = $1 AND biz_no = $2 AND ym >= $3 AND ym <= $4
	ORDER BY ym, source`

// VatDeclares loads the stored reports for a dashed YM range.
func (s *Store) VatDeclares(ctx context.Context, family schemas.PortalFamily, bizNo, startYM, endYM string) ([]schemas.VatReport, error) {
	rows, err := s.pool.Query(ctx, sqlSelectVatDeclares, string(family), bizNo, startYM, endYM)
	if err != nil {
		return nil, fmt.Errorf("load vat declares: %w", err)
	}
	defer rows.Close()

	var reports []schemas.VatReport
	for rows.Next() {
		var report schemas.VatReport
		var amounts []byte
		if err := rows.Scan(&report.Source, &report.StoreID, &report.StoreName, &report.YM, &amounts); err != nil {
			return nil, fmt.Errorf("scan vat declare: %w", err)
		}
		if err := json.Unmarshal(amounts, &report.Amounts); err != nil {
			return nil, fmt.Errorf("decode amounts: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
