// File: internal/portal/captcha.go
package portal

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// CaptchaRound is the portal side of one captcha attempt. Question is
// re-read every round because some portals embed per-image instructions
// in the page. Refill runs before each submission because the portals
// clear the password field when a captcha answer is rejected.
type CaptchaRound struct {
	Capture  func(ctx context.Context) ([]byte, error)
	Question func(ctx context.Context) string
	Refill   func(ctx context.Context) error
	Submit   func(ctx context.Context, answer string) error
	Passed   func(ctx context.Context) (bool, error)
}

// SolveCaptcha drives up to CaptchaRounds capture/solve/submit rounds.
// A solver failure, or a nil solver, still submits an empty answer so
// the portal rotates to a fresh image. Returns false when the budget
// runs out.
func SolveCaptcha(ctx context.Context, solver schemas.Solver, status schemas.StatusSink, round CaptchaRound, log *zap.Logger) (bool, error) {
	for i := 0; i < CaptchaRounds; i++ {
		if err := status.Publish(ctx, schemas.Envelope{Type: schemas.OpCaptcha, TryCount: i + 1}); err != nil {
			return false, err
		}

		img, err := round.Capture(ctx)
		if err != nil {
			return false, fmt.Errorf("capture captcha: %w", err)
		}
		answer := ""
		if len(img) > 0 && solver != nil {
			answer, err = solver.Solve(ctx, img, round.Question(ctx))
			if err != nil {
				log.Warn("captcha solve failed, submitting blank", zap.Int("round", i+1), zap.Error(err))
				answer = ""
			}
		}

		if round.Refill != nil {
			if err := round.Refill(ctx); err != nil {
				return false, fmt.Errorf("refill form: %w", err)
			}
		}
		if err := round.Submit(ctx, answer); err != nil {
			return false, fmt.Errorf("submit captcha: %w", err)
		}

		passed, err := round.Passed(ctx)
		if err != nil {
			return false, err
		}
		if passed {
			log.Info("captcha passed", zap.Int("rounds", i+1))
			return true, nil
		}
	}
	return false, nil
}
