// File: internal/workflow/workflow.go
// Package workflow owns the lifecycle of one link run: it builds the
// portal workflow for the requested family, drives its stages in
// order, converts the outcome into a terminal status, and hands the
// result to persistence and the downstream accounting push.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/contacts"
	"github.com/xkilldash9x/storelink-cli/internal/driver"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
	"github.com/xkilldash9x/storelink-cli/internal/portal/coupang"
	"github.com/xkilldash9x/storelink-cli/internal/portal/smartstore"
)

// DriverFactory builds a fresh portal session for one run.
type DriverFactory func(ctx context.Context) (schemas.Driver, error)

// Runner executes link runs against a shared exchange, repository, and
// accounting client. One Runner serves all families.
type Runner struct {
	cfg    config.Interface
	store  exchange.Store
	repo   schemas.Repository
	books  schemas.BooksPusher
	solver schemas.Solver
	mail   schemas.MailFetcher

	newDriver DriverFactory
	// newWorkflow is the family dispatch, swappable in tests.
	newWorkflow func(family schemas.PortalFamily, req schemas.LinkRequest,
		scope exchange.Scope, drv schemas.Driver, sink *exchange.Sink,
		log *zap.Logger) portal.Workflow
	// failsafe caps a whole run so a wedged portal page cannot hold a
	// contact slot or browser forever.
	failsafe time.Duration

	log *zap.Logger
}

// NewRunner wires a runner from its collaborators. A nil driver factory
// gets the config driven default.
func NewRunner(cfg config.Interface, store exchange.Store, repo schemas.Repository,
	books schemas.BooksPusher, solver schemas.Solver, mail schemas.MailFetcher,
	logger *zap.Logger) *Runner {

	r := &Runner{
		cfg:      cfg,
		store:    store,
		repo:     repo,
		books:    books,
		solver:   solver,
		mail:     mail,
		failsafe: portal.RunFailsafe,
		log:      logger.Named("workflow"),
	}
	r.newDriver = func(ctx context.Context) (schemas.Driver, error) {
		return driver.New(ctx, cfg.Driver(), r.log)
	}
	r.newWorkflow = r.buildWorkflow
	return r
}

// WithDriverFactory swaps the session factory, used by tests and the
// CLI's driver flags.
func (r *Runner) WithDriverFactory(f DriverFactory) *Runner {
	r.newDriver = f
	return r
}

// WithFailsafe overrides the run deadline.
func (r *Runner) WithFailsafe(d time.Duration) *Runner {
	r.failsafe = d
	return r
}

// Run executes one link run to completion and returns its result. The
// returned error covers setup failures only; portal level failures are
// reported through the result status and the exchange.
func (r *Runner) Run(parent context.Context, req schemas.LinkRequest) (*schemas.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	family, err := schemas.ParseFamily(req.Mall)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := r.log.With(
		zap.String("runId", runID),
		zap.String("family", string(family)),
		zap.String("bizNo", req.BizNo))

	scope := exchange.Scope{Family: family, UserID: req.UserID, BizNo: req.BizNo}
	sink := exchange.NewSink(r.store, scope, log)

	ctx, cancel := context.WithTimeout(parent, r.failsafe)
	defer cancel()

	drv, err := r.newDriver(ctx)
	if err != nil {
		_ = sink.Publish(parent, schemas.Envelope{Type: schemas.StatusTemporaryError})
		_ = sink.SetLastStatus(parent, schemas.StatusTemporaryError)
		return nil, fmt.Errorf("start portal session: %w", err)
	}
	// Closed against a fresh context so teardown survives the deadline.
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer closeCancel()
		if err := drv.Close(closeCtx); err != nil {
			log.Warn("driver close failed", zap.Error(err))
		}
	}()

	wf := r.newWorkflow(family, req, scope, drv, sink, log)
	res := &schemas.RunResult{
		RunID:     runID,
		Family:    family,
		UserID:    req.UserID,
		BizNo:     req.BizNo,
		StartedAt: time.Now(),
	}

	status := r.execute(ctx, wf, drv, sink, req, res, log)
	res.Status = status
	res.FinishedAt = time.Now()

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer finishCancel()
	if err := sink.SetLastStatus(finishCtx, status); err != nil {
		log.Warn("last status mirror failed", zap.Error(err))
	}
	r.finish(finishCtx, res, log)

	log.Info("run finished", zap.String("status", status),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

func (r *Runner) buildWorkflow(family schemas.PortalFamily, req schemas.LinkRequest,
	scope exchange.Scope, drv schemas.Driver, sink *exchange.Sink, log *zap.Logger) portal.Workflow {

	deps := portal.Deps{
		Driver:   drv,
		Codes:    r.store,
		Status:   sink,
		Slots:    contacts.NewPool(r.cfg.Exchange(), r.cfg.Contacts().Slots, r.store, log),
		Solver:   r.solver,
		Mail:     r.mail,
		Repo:     r.repo,
		Portals:  r.cfg.Portals(),
		Contacts: r.cfg.Contacts(),
		Log:      log,
	}
	if family == schemas.FamilyCoupang {
		return coupang.New(req, scope.ReplyKey(), deps)
	}
	return smartstore.New(family, req, scope.ReplyKey(), deps)
}

// execute drives the portal stages and maps whatever happens onto a
// terminal status tag. Panics inside portal code degrade to a temporary
// error with a page screenshot attached for diagnosis.
func (r *Runner) execute(ctx context.Context, wf portal.Workflow, drv schemas.Driver,
	sink *exchange.Sink, req schemas.LinkRequest, res *schemas.RunResult,
	log *zap.Logger) (status string) {

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("run panicked", zap.Any("panic", rec), zap.Stack("stack"))
			status = r.fail(ctx, drv, sink, fmt.Errorf("panic: %v", rec), log)
		}
	}()

	outcome, err := wf.Login(ctx)
	if err != nil {
		return r.fail(ctx, drv, sink, fmt.Errorf("login: %w", err), log)
	}
	if outcome != schemas.LoginAuthenticated {
		log.Warn("login did not authenticate", zap.Stringer("outcome", outcome))
		return outcome.String()
	}

	ok, err := wf.VerifyBusiness(ctx)
	if err != nil {
		return r.fail(ctx, drv, sink, fmt.Errorf("verify business: %w", err), log)
	}
	if !ok {
		return schemas.StatusMismatchBizNo
	}

	acc, err := wf.ProvisionSubAccount(ctx)
	if err != nil {
		return r.fail(ctx, drv, sink, fmt.Errorf("provision sub account: %w", err), log)
	}
	res.SubAccount = acc

	if req.IncludeVat {
		startYM, endYM, err := reportRange(req)
		if err != nil {
			return r.fail(ctx, drv, sink, err, log)
		}
		set, err := wf.FetchReports(ctx, startYM, endYM)
		if err != nil {
			return r.fail(ctx, drv, sink, fmt.Errorf("fetch reports: %w", err), log)
		}
		res.Vat = set
	}

	_ = sink.Publish(ctx, schemas.Envelope{Type: schemas.StatusCompleted})
	return schemas.StatusCompleted
}

// fail classifies an error as a failsafe timeout or a temporary error,
// publishes the matching status, and records a screenshot for the
// temporary case. Later publishes use a fresh context because the run
// context is usually the thing that just expired.
func (r *Runner) fail(ctx context.Context, drv schemas.Driver, sink *exchange.Sink,
	err error, log *zap.Logger) string {

	bg, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		log.Error("run hit the failsafe deadline", zap.Error(err))
		_ = sink.Publish(bg, schemas.Envelope{Type: schemas.StatusTimeout})
		return schemas.StatusTimeout
	}

	log.Error("run failed", zap.Error(err))
	shot, shotErr := drv.ScreenshotPage(bg)
	if shotErr != nil {
		log.Warn("failure screenshot unavailable", zap.Error(shotErr))
	}
	if r.repo != nil {
		if werr := r.repo.WriteLog(bg, schemas.StatusTemporaryError, err.Error(), shot); werr != nil {
			log.Warn("failure log write failed", zap.Error(werr))
		}
	}
	_ = sink.Publish(bg, schemas.Envelope{Type: schemas.StatusTemporaryError})
	return schemas.StatusTemporaryError
}

// finish persists the run and, only when persistence worked, pushes the
// result downstream and advances the scrape bookmark.
func (r *Runner) finish(ctx context.Context, res *schemas.RunResult, log *zap.Logger) {
	if r.repo == nil {
		return
	}
	if res.SubAccount != nil {
		if err := r.repo.SaveSubAccount(ctx, *res.SubAccount); err != nil {
			log.Error("sub account persist failed", zap.Error(err))
			return
		}
	}
	if res.Vat != nil {
		if err := r.repo.SaveVatReports(ctx, res.BizNo, res.Family, *res.Vat); err != nil {
			log.Error("vat persist failed", zap.Error(err))
			return
		}
	}
	if err := r.repo.SaveRunResult(ctx, *res); err != nil {
		log.Error("run result persist failed", zap.Error(err))
		return
	}

	if r.books == nil || res.Status != schemas.StatusCompleted {
		return
	}
	if err := r.books.PushResult(ctx, *res); err != nil {
		log.Error("books push failed", zap.Error(err))
		return
	}
	if err := r.books.UpdateLastScrapedAt(ctx, res.BizNo, res.Family, res.FinishedAt); err != nil {
		log.Error("books bookmark update failed", zap.Error(err))
	}
}

// reportRange resolves the requested report window, defaulting to the
// most recent closed half year when the request leaves it blank.
func reportRange(req schemas.LinkRequest) (string, string, error) {
	start, end := req.StartYM, req.EndYM
	if start == "" || end == "" {
		start, end = portal.DefaultRange(time.Now())
	}
	startYM, err := portal.NormalizeYM(start)
	if err != nil {
		return "", "", fmt.Errorf("start month: %w", err)
	}
	endYM, err := portal.NormalizeYM(end)
	if err != nil {
		return "", "", fmt.Errorf("end month: %w", err)
	}
	return startYM, endYM, nil
}
