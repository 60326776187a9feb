// File: api/schemas/interfaces.go
package schemas

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Driver is the portal session capability. Two implementations exist: a
// headless Chrome driver and a raw HTTP session driver; workflows must
// not care which one they got.
//
// Absence is a value, not an error: Exists and IsVisible report false
// for missing nodes, the readers return zero values, and Fill/Click on
// a missing node are no-ops. Only transport level failures surface as
// errors.
type Driver interface {
	Navigate(ctx context.Context, rawURL string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	// PageSource returns the current document markup. Workflows use it
	// to read page globals and embedded JSON that no selector reaches.
	PageSource(ctx context.Context) (string, error)

	Exists(ctx context.Context, selector string) bool
	IsVisible(ctx context.Context, selector string) bool
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool
	Text(ctx context.Context, selector string) string
	Attribute(ctx context.Context, selector, name string) (string, bool)
	InputValue(ctx context.Context, selector string) string

	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// ClickLast clicks the last match when a selector is ambiguous.
	ClickLast(ctx context.Context, selector string) error

	// Screenshot captures the node matched by selector, ScreenshotPage
	// the full viewport. Both return PNG bytes.
	Screenshot(ctx context.Context, selector string) ([]byte, error)
	ScreenshotPage(ctx context.Context) ([]byte, error)

	// The HTTP helpers issue calls that share the session's cookies, so
	// API endpoints behind the login see an authenticated caller.
	Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error)
	PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, int, error)
	PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) ([]byte, int, error)

	Close(ctx context.Context) error
}

// HeaderPoster is an optional Driver capability for endpoints whose
// interesting payload rides in a response header instead of the body.
// Callers type-assert and fall back when the driver cannot provide it.
type HeaderPoster interface {
	PostJSONHeaders(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, http.Header, int, error)
}

// CodeBus delivers out of band verification codes. Keys are slot queue
// names; entries older than since (unix ms) are discarded rather than
// delivered, so a code issued for an earlier round can never satisfy a
// later one. Terminate envelopes pass through regardless of age.
// PopSince returns (nil, nil) when the timeout lapses with no entry.
type CodeBus interface {
	Push(ctx context.Context, key string, env Envelope) error
	PopSince(ctx context.Context, key string, since int64, timeout time.Duration) (*Envelope, error)
}

// StatusSink publishes run progress. The exchange stamps Timestamp at
// publish time. SetLastStatus mirrors the newest terminal tag to a
// last-status key read by the product backend.
type StatusSink interface {
	Publish(ctx context.Context, env Envelope) error
	SetLastStatus(ctx context.Context, status string) error
}

// SlotStore holds the shared coordination primitives behind contact
// slot scheduling: named non blocking locks with expiry, per slot time
// watermarks, and monotonic counters.
type SlotStore interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	// AdvanceWatermark moves the slot's lastAvailableTime forward by
	// window and returns how long the caller must wait before using the
	// slot. Callers hold the slot lock across this call.
	AdvanceWatermark(ctx context.Context, key string, window time.Duration) (time.Duration, error)
	Increment(ctx context.Context, key string) (int64, error)
	Counter(ctx context.Context, key string) (int64, error)
}

// Solver answers a visual question about an image, used for captcha
// challenges. Implementations return the bare answer token.
type Solver interface {
	Solve(ctx context.Context, image []byte, prompt string) (string, error)
}

// MailFetcher retrieves the newest verification code delivered to a
// labeled mailbox after a point in time.
type MailFetcher interface {
	FetchCode(ctx context.Context, label string, since time.Time) (string, error)
}

// Repository persists link run artifacts.
type Repository interface {
	SaveSubAccount(ctx context.Context, acc SubAccount) error
	SaveVatReports(ctx context.Context, bizNo string, family PortalFamily, set VatReportSet) error
	SaveRunResult(ctx context.Context, res RunResult) error
	// WriteLog records a progress code with optional detail and an
	// optional failure screenshot.
	WriteLog(ctx context.Context, code, detail string, screenshot []byte) error
}

// BooksPusher forwards finished results to the accounting backend.
type BooksPusher interface {
	PushResult(ctx context.Context, res RunResult) error
	UpdateLastScrapedAt(ctx context.Context, bizNo string, family PortalFamily, t time.Time) error
}
