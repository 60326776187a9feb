// File: internal/server/server.go
// Package server exposes the intake HTTP surface: the endpoint that
// accepts link requests and the relay that feeds forwarded SMS codes
// into the exchange.
package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// codePattern matches the six digit verification codes the portals
// send. Word boundaries keep order numbers and phone fragments out.
var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// LinkRunner executes one link run to completion.
type LinkRunner interface {
	Run(ctx context.Context, req schemas.LinkRequest) (*schemas.RunResult, error)
}

// Server is the intake HTTP server.
type Server struct {
	cfg    config.ServerConfig
	runner LinkRunner
	codes  schemas.CodeBus
	log    *zap.Logger

	// forwardURL receives a best effort copy of every relayed SMS, rate
	// limited so a flood cannot hammer the hook.
	forwardURL     string
	forwardLimiter *rate.Limiter
	forwardClient  *http.Client

	// runs bounds the concurrent link runs.
	runs *errgroup.Group
}

// New wires the server. forwardURL may be empty to disable forwarding.
func New(cfg config.ServerConfig, runner LinkRunner, codes schemas.CodeBus, forwardURL string, logger *zap.Logger) *Server {
	runs := &errgroup.Group{}
	runs.SetLimit(cfg.MaxConcurrentRuns)

	perMin := cfg.RelayRatePerMin
	if perMin <= 0 {
		perMin = 60
	}
	return &Server{
		cfg:            cfg,
		runner:         runner,
		codes:          codes,
		log:            logger.Named("server"),
		forwardURL:     forwardURL,
		forwardLimiter: rate.NewLimiter(rate.Limit(perMin/60.0), 1),
		forwardClient:  &http.Client{Timeout: 10 * time.Second},
		runs:           runs,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/link", s.handleLink)
	mux.HandleFunc("POST /v1/relay/sms", s.handleRelaySMS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is cancelled, then drains in flight runs and
// shuts the listener down within the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("intake server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("listener shutdown failed", zap.Error(err))
		}
		// Wait for link runs already in flight.
		return s.runs.Wait()
	})
	return g.Wait()
}

// handleLink validates the request and schedules the run. The response
// only acknowledges intake; progress travels over the exchange.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req schemas.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	scheduled := s.runs.TryGo(func() error {
		res, err := s.runner.Run(context.Background(), req)
		if err != nil {
			s.log.Error("link run failed to start", zap.Error(err))
			return nil
		}
		s.log.Info("link run finished",
			zap.String("runId", res.RunID), zap.String("status", res.Status))
		return nil
	})
	if !scheduled {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "run capacity exhausted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "accepted"})
}

// relayPayload is what the phone side relay posts for each inbound SMS.
type relayPayload struct {
	Mall    string `json:"mall"`
	Slot    int    `json:"slot"`
	Message string `json:"message"`
}

// handleRelaySMS extracts the verification code from a forwarded SMS
// and pushes it onto the matching contact slot queue.
func (s *Server) handleRelaySMS(w http.ResponseWriter, r *http.Request) {
	var payload relayPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	family, err := schemas.ParseFamily(payload.Mall)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if payload.Slot < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "slot must not be negative"})
		return
	}

	code := ExtractCode(payload.Message)
	if code == "" {
		// No code in the message; acknowledge so the relay does not
		// retry marketing texts forever.
		writeJSON(w, http.StatusOK, map[string]string{"message": "no code found"})
		return
	}

	key := exchange.SlotQueueKey(family, payload.Slot)
	if err := s.codes.Push(r.Context(), key, schemas.Envelope{Type: schemas.OpSMS, Data: code}); err != nil {
		s.log.Error("code push failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "code delivery failed"})
		return
	}
	s.log.Info("relayed verification code", zap.String("key", key))

	s.forward(payload)
	writeJSON(w, http.StatusOK, map[string]string{"message": "accepted"})
}

// forward mirrors the relayed message to the configured webhook, best
// effort and rate limited. Failures are logged and dropped.
func (s *Server) forward(payload relayPayload) {
	if s.forwardURL == "" {
		return
	}
	if !s.forwardLimiter.Allow() {
		s.log.Warn("webhook forward suppressed by rate limit")
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		resp, err := s.forwardClient.Post(s.forwardURL, "application/json", strings.NewReader(string(body)))
		if err != nil {
			s.log.Warn("webhook forward failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

// ExtractCode pulls the first six digit code out of an SMS body, or ""
// when the message carries none.
func ExtractCode(message string) string {
	return codePattern.FindString(message)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out, an encode failure is unfixable.
	_ = json.NewEncoder(w).Encode(payload)
}
