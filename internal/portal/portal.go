// File: internal/portal/portal.go
// Package portal holds the protocol machinery shared by every seller
// portal family: the out of band code prompt, the bounded MFA loop, the
// captcha solving loop, and the reporting period helpers. The family
// specific state machines live in the subpackages.
package portal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/contacts"
)

// Protocol bounds. The auth timeouts sit just under the portals' own
// code expiry so a late entry is never submitted against a dead code.
const (
	CoupangAuthTimeout = (60*5 - 1) * time.Second
	SmartAuthTimeout   = (60*3 - 1) * time.Second

	// MaxRetryAuth bounds wrong code submissions per sent code.
	MaxRetryAuth = 3
	// MaxResendAuth bounds how often the user may ask for a fresh code.
	MaxResendAuth = 3
	// FatalTryCount caps total submissions across the whole MFA
	// exchange; the portals lock the account past this.
	FatalTryCount = 5

	// CaptchaRounds bounds captcha solve attempts per login.
	CaptchaRounds = 10
	// AppConfirmPolls bounds the app push confirmation wait (1s apart).
	AppConfirmPolls = 120

	// RunFailsafe is the hard wall for one link run.
	RunFailsafe = 10 * time.Minute
)

// Deps bundles the collaborators a family workflow needs. Nil fields
// are allowed for capabilities a family does not use.
type Deps struct {
	Driver schemas.Driver
	Codes  schemas.CodeBus
	Status schemas.StatusSink
	Slots  *contacts.Pool
	Solver schemas.Solver
	Mail   schemas.MailFetcher
	// Repo receives generated sub account credentials before the create
	// call is submitted, so a mid flight failure never loses a password
	// the portal may already have accepted.
	Repo     schemas.Repository
	Portals  config.PortalsConfig
	Contacts config.ContactsConfig
	Log      *zap.Logger
}

// Workflow is one portal family's implementation of a link run. The
// runner drives these in order; each step owns its status publishing.
type Workflow interface {
	// Login walks the credential and MFA state machine to an
	// authenticated session or a classified failure.
	Login(ctx context.Context) (schemas.LoginOutcome, error)
	// VerifyBusiness checks the portal's registered business number
	// against the request. A mismatch is terminal for the run.
	VerifyBusiness(ctx context.Context) (bool, error)
	// ProvisionSubAccount creates the dedicated sub account. A nil
	// account with nil error means the family does not provision.
	ProvisionSubAccount(ctx context.Context) (*schemas.SubAccount, error)
	// FetchReports retrieves VAT reports for the normalized range.
	FetchReports(ctx context.Context, startYM, endYM string) (*schemas.VatReportSet, error)
}
