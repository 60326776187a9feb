// File: internal/exchange/exchange.go
// Package exchange carries everything a link run shares with the outside
// world while it is running: the status channel the product backend
// watches, the code queues that deliver out of band verification codes,
// and the locks, watermarks, and counters behind contact slot
// scheduling. Two backends exist: an in-process one for tests and
// single node runs, and a Postgres one for everything else.
package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// Store is the backend contract. It extends the capability interfaces
// with the raw primitives the scoped Sink needs.
type Store interface {
	schemas.CodeBus
	schemas.SlotStore

	// AppendStatus appends env to the status stream under key and
	// returns the envelope with its authoritative timestamp stamped.
	AppendStatus(ctx context.Context, key string, env schemas.Envelope) (schemas.Envelope, error)
	// SetValue writes a plain key/value pair (last-status mirror).
	SetValue(ctx context.Context, key, value string) error
	// GetValue reads a plain value; ok is false when the key is absent.
	GetValue(ctx context.Context, key string) (string, bool, error)

	Close()
}

// Scope identifies one link run on the exchange.
type Scope struct {
	Family schemas.PortalFamily
	UserID string
	BizNo  string
}

// StatusKey is the status stream key for this run.
func (s Scope) StatusKey() string {
	return fmt.Sprintf("%s:%s:%s", s.Family, s.UserID, s.BizNo)
}

// LastStatusKey is where the newest status tag is mirrored.
func (s Scope) LastStatusKey() string {
	return "lastStatus:" + s.StatusKey()
}

// ReplyKey is the queue the user side answers login prompts on.
func (s Scope) ReplyKey() string {
	return "reply:" + s.StatusKey()
}

// SlotQueueKey names the code queue for a contact slot.
func SlotQueueKey(family schemas.PortalFamily, index int) string {
	return fmt.Sprintf("%sSMS%d", family, index)
}

// SlotLockKey names the mutual exclusion lock for a contact slot.
func SlotLockKey(family schemas.PortalFamily, index int) string {
	return fmt.Sprintf("lock:%s:subAccount%d", family, index)
}

// SlotWatermarkKey names the slot's lastAvailableTime watermark.
func SlotWatermarkKey(family schemas.PortalFamily, index int) string {
	return fmt.Sprintf("lastAvailableTime:%s:subAccount%d", family, index)
}

// CursorKey names the rotating sub account cursor for a family.
func CursorKey(family schemas.PortalFamily) string {
	return fmt.Sprintf("subAccountCursor:%s", family)
}

// Sink binds a Store to one run's scope and implements
// schemas.StatusSink. Publishing stamps the envelope timestamp and
// mirrors terminal tags to the last-status key.
type Sink struct {
	store Store
	scope Scope
	log   *zap.Logger
}

// NewSink creates a status sink for the given run scope.
func NewSink(store Store, scope Scope, logger *zap.Logger) *Sink {
	return &Sink{
		store: store,
		scope: scope,
		log:   logger.Named("exchange"),
	}
}

// Publish appends the envelope to the run's status stream.
func (s *Sink) Publish(ctx context.Context, env schemas.Envelope) error {
	stamped, err := s.store.AppendStatus(ctx, s.scope.StatusKey(), env)
	if err != nil {
		return fmt.Errorf("publish status %s: %w", env.Type, err)
	}
	s.log.Info("status published",
		zap.String("type", stamped.Type),
		zap.Bool("action", stamped.Action),
		zap.Int64("timestamp", stamped.Timestamp))
	return nil
}

// SetLastStatus mirrors the newest status tag for the run.
func (s *Sink) SetLastStatus(ctx context.Context, status string) error {
	if err := s.store.SetValue(ctx, s.scope.LastStatusKey(), status); err != nil {
		return fmt.Errorf("set last status: %w", err)
	}
	return nil
}

var _ schemas.StatusSink = (*Sink)(nil)

// stamp fills in the authoritative timestamp when the caller left it
// unset. Both backends run every envelope through here on write.
func stamp(env schemas.Envelope) schemas.Envelope {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return env
}
