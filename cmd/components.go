// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/books"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
	"github.com/xkilldash9x/storelink-cli/internal/mailbox"
	"github.com/xkilldash9x/storelink-cli/internal/store"
	"github.com/xkilldash9x/storelink-cli/internal/vision"
	"github.com/xkilldash9x/storelink-cli/internal/workflow"
)

// linkComponents holds initialized services shared by the serve and
// link commands.
type linkComponents struct {
	Exchange exchange.Store
	DBPool   *pgxpool.Pool
	Store    *store.Store
	Runner   *workflow.Runner
}

// Shutdown gracefully closes all components.
func (lc *linkComponents) Shutdown() {
	if lc.Exchange != nil {
		lc.Exchange.Close()
	}
	if lc.DBPool != nil {
		lc.DBPool.Close()
	}
}

// initializeComponents handles dependency injection. On error the
// returned components may be partially built; callers still own the
// Shutdown call.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*linkComponents, error) {
	lc := &linkComponents{}

	// 1. Database pool, optional unless the postgres exchange needs it.
	if cfg.Database().URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database().URL)
		if err != nil {
			return lc, fmt.Errorf("failed to connect to database: %w", err)
		}
		lc.DBPool = pool
	}

	// 2. Exchange backend for codes, statuses, locks, and watermarks.
	switch cfg.Exchange().Backend {
	case "postgres":
		if lc.DBPool == nil {
			return lc, fmt.Errorf("exchange backend \"postgres\" requires database.url (STORELINK_DATABASE_URL)")
		}
		exch, err := exchange.NewPostgres(ctx, lc.DBPool, logger)
		if err != nil {
			return lc, fmt.Errorf("failed to initialize exchange: %w", err)
		}
		if err := exch.InitSchema(ctx); err != nil {
			return lc, fmt.Errorf("failed to migrate exchange schema: %w", err)
		}
		lc.Exchange = exch
	default:
		lc.Exchange = exchange.NewMemory(logger)
	}

	// 3. Result store.
	var repo schemas.Repository
	if lc.DBPool != nil {
		dbStore, err := store.New(ctx, lc.DBPool, logger)
		if err != nil {
			return lc, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := dbStore.InitSchema(ctx); err != nil {
			return lc, fmt.Errorf("failed to migrate store schema: %w", err)
		}
		lc.Store = dbStore
		repo = dbStore
	} else {
		logger.Warn("No database configured, run results will not be persisted")
	}

	// 4. Downstream accounting backend.
	var pusher schemas.BooksPusher
	if cfg.Books().BaseURL != "" {
		pusher = books.New(cfg.Books(), logger)
	}

	// 5. Captcha solver.
	var solver schemas.Solver
	if cfg.Vision().APIKey != "" {
		s, err := vision.NewGenAISolver(ctx, cfg.Vision(), logger)
		if err != nil {
			return lc, fmt.Errorf("failed to initialize captcha solver: %w", err)
		}
		solver = s
	} else {
		logger.Warn("No vision API key configured, captcha rounds will submit blank answers")
	}

	// 6. Email verification mailbox.
	var mail schemas.MailFetcher
	if cfg.Mailbox().BaseURL != "" {
		mail = mailbox.New(cfg.Mailbox(), logger)
	}

	lc.Runner = workflow.NewRunner(cfg, lc.Exchange, repo, pusher, solver, mail, logger)
	return lc, nil
}
