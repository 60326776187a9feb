// File: internal/portal/mfa.go
package portal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// CodePrompt asks the user side for a verification code over the
// exchange and blocks for the answer. The prompt envelope carries the
// attempt counters and the absolute expiry so the UI can render a
// countdown against the portal's own code lifetime.
type CodePrompt struct {
	Codes    schemas.CodeBus
	Status   schemas.StatusSink
	QueueKey string
	Timeout  time.Duration
	Log      *zap.Logger
}

// Await publishes the prompt and waits for a reply pushed after the
// prompt was issued. Older queue residue is discarded by the bus.
func (p *CodePrompt) Await(ctx context.Context, op string, tryCount, resendCount int) (*schemas.Envelope, schemas.WaitResult, error) {
	issued := time.Now()
	prompt := schemas.Envelope{
		Action:        true,
		Type:          op,
		TryCount:      tryCount,
		ResendCount:   resendCount,
		AuthTimestamp: issued.Add(p.Timeout).UnixMilli(),
	}
	if err := p.Status.Publish(ctx, prompt); err != nil {
		return nil, schemas.WaitCancelled, err
	}

	reply, err := p.Codes.PopSince(ctx, p.QueueKey, issued.UnixMilli(), p.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schemas.WaitCancelled, ctx.Err()
		}
		return nil, schemas.WaitCancelled, fmt.Errorf("await %s reply: %w", op, err)
	}
	if reply == nil {
		return nil, schemas.WaitTimedOut, nil
	}
	p.Log.Info("code reply received",
		zap.String("op", op),
		zap.String("replyType", reply.Type))
	return reply, schemas.WaitCompleted, nil
}

// LoopResult classifies how a code exchange ended.
type LoopResult int

const (
	LoopOK LoopResult = iota
	LoopTimeout
	LoopExhausted
	LoopTerminated
)

// LoopConfig parameterizes one MFA code exchange.
type LoopConfig struct {
	Prompt    *CodePrompt
	Op        string // prompt tag for a freshly sent code
	InvalidOp string // prompt tag after a rejected code
	ResendOp  string // reply tag that requests a fresh code
	MaxRetry  int    // wrong submissions tolerated per sent code
	MaxResend int    // fresh codes the user may request
}

// CodeRound is the portal side of the exchange: how to trigger a code,
// submit an answer, and tell whether the portal accepted it.
type CodeRound struct {
	Send     func(ctx context.Context) error
	Submit   func(ctx context.Context, code string) error
	Accepted func(ctx context.Context) (bool, error)
}

// RunCodeLoop drives a complete code exchange: send, prompt, submit,
// and classify, honoring the retry, resend, and total attempt budgets.
// The terminal progress statuses (timeout, resend budget) are published
// here; mapping the result onto a run outcome is the caller's job.
func RunCodeLoop(ctx context.Context, cfg LoopConfig, round CodeRound) (LoopResult, error) {
	if err := round.Send(ctx); err != nil {
		return LoopExhausted, fmt.Errorf("send code: %w", err)
	}

	tryCount := 1
	resendCount := 0
	wrongThisCode := 0
	op := cfg.Op

	for {
		reply, wait, err := cfg.Prompt.Await(ctx, op, tryCount, resendCount)
		if err != nil {
			return LoopExhausted, err
		}
		if wait == schemas.WaitTimedOut {
			_ = cfg.Prompt.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusAuthTimeout})
			return LoopTimeout, nil
		}

		switch reply.Type {
		case schemas.OpTerminate:
			return LoopTerminated, nil

		case cfg.ResendOp:
			if resendCount >= cfg.MaxResend {
				_ = cfg.Prompt.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusMaxResendReached})
				return LoopExhausted, nil
			}
			resendCount++
			wrongThisCode = 0
			if err := round.Send(ctx); err != nil {
				return LoopExhausted, fmt.Errorf("resend code: %w", err)
			}
			op = cfg.Op

		default:
			if err := round.Submit(ctx, reply.Data); err != nil {
				return LoopExhausted, fmt.Errorf("submit code: %w", err)
			}
			ok, err := round.Accepted(ctx)
			if err != nil {
				return LoopExhausted, err
			}
			if ok {
				return LoopOK, nil
			}
			tryCount++
			wrongThisCode++
			if tryCount > FatalTryCount || wrongThisCode > cfg.MaxRetry {
				return LoopExhausted, nil
			}
			op = cfg.InvalidOp
		}
	}
}
