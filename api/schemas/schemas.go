// File: api/schemas/schemas.go
package schemas

import (
	"fmt"
	"strings"
	"time"
)

// PortalFamily identifies which seller portal a link run targets.
type PortalFamily string

const (
	FamilyCoupang    PortalFamily = "coupang"
	FamilySmartStore PortalFamily = "smartstore"
	FamilySmartPlace PortalFamily = "smartplace"
)

// ParseFamily maps a request "mall" value onto a known portal family.
func ParseFamily(mall string) (PortalFamily, error) {
	switch PortalFamily(strings.ToLower(strings.TrimSpace(mall))) {
	case FamilyCoupang:
		return FamilyCoupang, nil
	case FamilySmartStore:
		return FamilySmartStore, nil
	case FamilySmartPlace:
		return FamilySmartPlace, nil
	}
	return "", fmt.Errorf("unknown mall %q", mall)
}

// Requires the out of band verification described by the operation tag.
// These ride on the status channel to tell the caller what the portal is
// asking for right now.
const (
	OpSMS         = "SMS"
	OpEmail       = "EMAIL"
	OpInvalidSMS  = "INVALID_SMS"
	OpInvalidMail = "INVALID_EMAIL"
	OpAppConfirm  = "APP_CONFIRM"
	OpCaptcha     = "CAPTCHA"
	OpResendSMS   = "RESEND_SMS"
	OpResendMail  = "RESEND_EMAIL"
	OpTerminate   = "TERMINATE"
)

// Terminal and progress status tags published on the status channel.
const (
	StatusWrongAccount          = "WRONG_ACCOUNT"
	StatusSuspendedAccount      = "SUSPENDED_ACCOUNT"
	StatusMismatchBizNo         = "MISMATCH_BIZ_NO"
	StatusAuthTimeout           = "AUTH_TIMEOUT"
	StatusTimeout               = "TIMEOUT"
	StatusMaxResendReached      = "MAX_RESEND_REACHED"
	StatusTemporaryError        = "TEMPORARY_ERROR"
	StatusCompleted             = "COMPLETED"
	StatusSMSSuccess            = "SMS_SUCCESS"
	StatusAppConfirmSuccess     = "APP_CONFIRM_SUCCESS"
	StatusLinkFailure           = "LINK_FAILURE"
	StatusRequireMainAccount    = "REQUIRE_MAIN_ACCOUNT"
	StatusRequirePasswordChange = "REQUIRE_PASSWORD_CHANGE"
	StatusStartCommerceLogin    = "START_COMMERCE_LOGIN"
)

// Envelope is the single wire shape used on both the status channel and
// the out of band code queues. Timestamp is stamped at publish time by
// the exchange and is authoritative; callers never set it themselves.
type Envelope struct {
	// Action is true when the envelope asks the user side for input and
	// false when it reports a status.
	Action bool `json:"action"`
	// Type holds an operation tag (Op*) or a status tag (Status*).
	Type string `json:"type"`
	// Data carries the payload: a verification code, a captcha answer,
	// or empty for pure signals.
	Data string `json:"data,omitempty"`
	// TryCount and ResendCount mirror the state machine counters so the
	// user side can render progress. Zero values are omitted.
	TryCount    int `json:"tryCount,omitempty"`
	ResendCount int `json:"resendCount,omitempty"`
	// Timestamp is unix milliseconds at publish time.
	Timestamp int64 `json:"timestamp"`
	// AuthTimestamp is the unix millisecond deadline for the pending
	// verification round, when one is running.
	AuthTimestamp int64 `json:"authTimestamp,omitempty"`
}

// LinkRequest is the inbound payload that starts a link run.
type LinkRequest struct {
	Mall            string `json:"mall"`
	UserID          string `json:"userId"`
	Password        string `json:"password"`
	BizNo           string `json:"bizNo"`
	SubAccountName  string `json:"subAccountName,omitempty"`
	SubAccountPhone string `json:"subAccountPhoneNumber,omitempty"`
	IncludeVat      bool   `json:"includeVat,omitempty"`
	StartYM         string `json:"startYm,omitempty"`
	EndYM           string `json:"endYm,omitempty"`
}

// Validate reports the first missing required field by its wire name so
// handlers can name it in a 400 response. The SmartStore family needs
// the invite target on top of the common credentials.
func (r LinkRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Mall) == "":
		return fmt.Errorf("missing required field: mall")
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("missing required field: userId")
	case strings.TrimSpace(r.Password) == "":
		return fmt.Errorf("missing required field: password")
	case strings.TrimSpace(r.BizNo) == "":
		return fmt.Errorf("missing required field: bizNo")
	}
	family, err := ParseFamily(r.Mall)
	if err != nil {
		return err
	}
	if family == FamilySmartStore || family == FamilySmartPlace {
		if strings.TrimSpace(r.SubAccountName) == "" {
			return fmt.Errorf("missing required field: subAccountName")
		}
		if strings.TrimSpace(r.SubAccountPhone) == "" {
			return fmt.Errorf("missing required field: subAccountPhoneNumber")
		}
	}
	return nil
}

// LoginOutcome classifies where the login state machine ended up.
type LoginOutcome int

const (
	LoginFailed LoginOutcome = iota
	LoginAuthenticated
	LoginWrongCredential
	LoginSuspended
	LoginPasswordChangeRequired
	LoginMFATimeout
	LoginMFAExhausted
	LoginTerminated
)

// String returns the status tag a terminal outcome maps to, or a short
// name for the non terminal ones.
func (o LoginOutcome) String() string {
	switch o {
	case LoginAuthenticated:
		return "authenticated"
	case LoginWrongCredential:
		return StatusWrongAccount
	case LoginSuspended:
		return StatusSuspendedAccount
	case LoginPasswordChangeRequired:
		return StatusRequirePasswordChange
	case LoginMFATimeout:
		return StatusAuthTimeout
	case LoginMFAExhausted:
		return StatusMaxResendReached
	case LoginTerminated:
		return "terminated"
	}
	return StatusLinkFailure
}

// VerifyOutcome is the tri state result of one verification round.
type VerifyOutcome int

const (
	VerifyApproved VerifyOutcome = iota
	VerifyInvalid
	VerifyExhausted
)

// WaitResult is the tri state result of a bounded out of band wait.
type WaitResult int

const (
	WaitCompleted WaitResult = iota
	WaitTimedOut
	WaitCancelled
)

// ContactSlot is one reusable phone/email pair from the provisioning
// pool. Label names the mailbox label that collects its email codes.
type ContactSlot struct {
	Index int    `json:"index" mapstructure:"index"`
	Phone string `json:"phone" mapstructure:"phone"`
	Email string `json:"email" mapstructure:"email"`
	Label string `json:"label" mapstructure:"label"`
}

// SubAccount is a provisioned portal sub account credential.
type SubAccount struct {
	Family    PortalFamily `json:"family"`
	BizNo     string       `json:"bizNo"`
	Username  string       `json:"username"`
	Password  string       `json:"password"`
	Slot      ContactSlot  `json:"slot"`
	CreatedAt time.Time    `json:"createdAt"`
}

// VatReport is one month of VAT relevant figures from one source.
type VatReport struct {
	StoreID   string `json:"storeId,omitempty"`
	StoreName string `json:"storeName,omitempty"`
	// Source names the report origin inside the portal, e.g.
	// "payment-method" or "rocket-growth" on wing, a channel number on
	// smartstore.
	Source string `json:"source"`
	// YM is always normalized to "YYYY-MM".
	YM      string           `json:"ym"`
	Amounts map[string]int64 `json:"amounts"`
}

// VatReportSet is the possibly partial result of a report run. A source
// that failed contributes an entry to Errors instead of aborting the
// sources that worked.
type VatReportSet struct {
	Reports []VatReport `json:"reports"`
	Errors  []string    `json:"errors,omitempty"`
}

// RunResult is what a completed link run hands to persistence and the
// downstream accounting push.
type RunResult struct {
	RunID      string        `json:"runId"`
	Family     PortalFamily  `json:"family"`
	UserID     string        `json:"userId"`
	BizNo      string        `json:"bizNo"`
	Status     string        `json:"status"`
	SubAccount *SubAccount   `json:"subAccount,omitempty"`
	Vat        *VatReportSet `json:"vat,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}
