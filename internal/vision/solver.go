// File: internal/vision/solver.go
// Package vision answers visual challenges (captcha images) through a
// multimodal model. The portals render distorted text or arithmetic;
// the solver is asked for the bare answer token and nothing else.
package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

const answerInstruction = "Answer with the characters shown only. No explanation, no punctuation, no whitespace."

// GenAISolver implements schemas.Solver on the genai API.
type GenAISolver struct {
	client      *genai.Client
	model       string
	apiTimeout  time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	log         *zap.Logger
}

// NewGenAISolver creates a solver from configuration. The API key comes
// from the environment via config.
func NewGenAISolver(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (*GenAISolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &GenAISolver{
		client:      client,
		model:       cfg.Model,
		apiTimeout:  cfg.APITimeout,
		maxAttempts: attempts,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1),
		log:         logger.Named("vision"),
	}, nil
}

var _ schemas.Solver = (*GenAISolver)(nil)

// Solve asks the model the prompt about the image and returns the
// sanitized answer token. Failures after the attempt budget surface as
// an error; callers typically submit an empty answer and let the portal
// reject the round rather than abort the run.
func (s *GenAISolver) Solve(ctx context.Context, image []byte, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/png"),
			genai.NewPartFromText(prompt + "\n" + answerInstruction),
		}, genai.RoleUser),
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.apiTimeout)
		resp, err := s.client.Models.GenerateContent(callCtx, s.model, contents, nil)
		cancel()
		if err != nil {
			lastErr = err
			s.log.Warn("vision call failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		answer := SanitizeAnswer(resp.Text())
		if answer == "" {
			lastErr = fmt.Errorf("model returned an empty answer")
			continue
		}
		s.log.Debug("captcha solved", zap.Int("attempt", attempt), zap.Int("answer_len", len(answer)))
		return answer, nil
	}
	return "", fmt.Errorf("vision solve failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// SanitizeAnswer reduces a model reply to the bare token the portal
// form expects: first non empty line, quotes and trailing punctuation
// stripped, inner whitespace removed.
func SanitizeAnswer(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.Trim(line, "\"'`")
		line = strings.TrimRight(line, ".!?")
		return strings.Join(strings.Fields(line), "")
	}
	return ""
}
