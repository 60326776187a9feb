// File: internal/portal/coupang/coupang.go
// Package coupang drives the wing seller portal: the xauth login state
// machine with SMS MFA, business number verification, sub account
// provisioning against the vendor account APIs, and the two VAT report
// sources.
package coupang

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

// Selectors on the xauth login and MFA pages.
const (
	selUsername     = `//input[@id="username"]`
	selPassword     = `//input[@id="password"]`
	selLoginSubmit  = `//input[@id="kc-login"]`
	selWrongPw      = `//span[contains(text(), "비밀번호가 다릅니다")]`
	selSuspended    = `//span[contains(text(), "5번 잘못 입력")]`
	selMFAContainer = `//div[@class="cp-mfa-container"]`
	selMFACode      = `//input[@id="auth-mfa-code"]`
	selMFASubmit    = `//input[@id="mfa-submit"]`
	selMFAResend    = `//input[@id="resend"]`
	selMFAInvalid   = `//span[contains(text(), "인증번호를 잘못 입력")]`
	selPostponePw   = `//a[contains(text(), "다음에 변경")]`
)

// Selectors on the wing account pages.
const (
	selConfirmPw   = `//input[@id="password"]`
	selConfirmBtn  = `//button[@id="confirm-btn"]`
	selPageMissing = `//h3[contains(text(), "요청하신 페이지를 찾을 수")]`
	selBizNo       = `//dt[text()="사업자번호"]/following-sibling::dd/strong`
	selCTK         = `//input[@name="_ctk"]`
)

const (
	loginPath          = "/auth/realms/seller/protocol/openid-connect/auth?response_type=code&client_id=wing&redirect_uri=https%3A%2F%2Fwing.coupang.com%2Fsso%2Flogin?returnUrl%3D%252F&login=true&ui_locales=ko-KR&scope=openid"
	mfaPathPrefix      = "/auth/realms/seller/login-actions/authenticate"
	changePasswordPath = "/configuration/account/change-password"
	basicInfoPath      = "/tenants/wing-account/vendor/basicinfo?isTARegion=false&currentPlatform=DESKTOP&currentLocale=ko"
)

// Workflow implements portal.Workflow for the coupang family.
type Workflow struct {
	deps   portal.Deps
	req    schemas.LinkRequest
	prompt *portal.CodePrompt
	log    *zap.Logger
}

// New builds a wing workflow for one link run. replyKey names the
// exchange queue login MFA answers arrive on.
func New(req schemas.LinkRequest, replyKey string, deps portal.Deps) *Workflow {
	log := deps.Log.Named("coupang")
	return &Workflow{
		deps: deps,
		req:  req,
		prompt: &portal.CodePrompt{
			Codes:    deps.Codes,
			Status:   deps.Status,
			QueueKey: replyKey,
			Timeout:  portal.CoupangAuthTimeout,
			Log:      log,
		},
		log: log,
	}
}

var _ portal.Workflow = (*Workflow)(nil)

func (w *Workflow) wingURL(path string) string  { return w.deps.Portals.WingBaseURL + path }
func (w *Workflow) xauthURL(path string) string { return w.deps.Portals.XAuthBaseURL + path }

// Login walks the xauth credential form and, when the portal demands
// it, the SMS MFA exchange. The outcome classifies every terminal page
// the portal is known to land on.
func (w *Workflow) Login(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	if err := drv.Navigate(ctx, w.xauthURL(loginPath)); err != nil {
		return schemas.LoginFailed, fmt.Errorf("open login page: %w", err)
	}
	if err := drv.Fill(ctx, selUsername, w.req.UserID); err != nil {
		return schemas.LoginFailed, err
	}
	if err := drv.Fill(ctx, selPassword, w.req.Password); err != nil {
		return schemas.LoginFailed, err
	}
	if err := drv.Click(ctx, selLoginSubmit); err != nil {
		return schemas.LoginFailed, err
	}
	w.log.Info("credentials submitted", zap.String("userId", w.req.UserID))

	if drv.Exists(ctx, selWrongPw) {
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusWrongAccount})
		return schemas.LoginWrongCredential, nil
	}
	if drv.Exists(ctx, selSuspended) {
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusSuspendedAccount})
		return schemas.LoginSuspended, nil
	}

	cur, err := drv.CurrentURL(ctx)
	if err != nil {
		return schemas.LoginFailed, err
	}
	if strings.HasPrefix(cur, w.xauthURL(mfaPathPrefix)) {
		outcome, err := w.loginMFA(ctx)
		if err != nil || outcome != schemas.LoginAuthenticated {
			return outcome, err
		}
		if cur, err = drv.CurrentURL(ctx); err != nil {
			return schemas.LoginFailed, err
		}
	}

	if strings.HasPrefix(cur, w.wingURL(changePasswordPath)) {
		// The interstitial usually allows postponing; only a forced
		// change is terminal.
		if err := drv.Click(ctx, selPostponePw); err != nil {
			return schemas.LoginFailed, err
		}
		if cur, err = drv.CurrentURL(ctx); err != nil {
			return schemas.LoginFailed, err
		}
		if strings.HasPrefix(cur, w.wingURL(changePasswordPath)) {
			_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusRequirePasswordChange})
			return schemas.LoginPasswordChangeRequired, nil
		}
	}

	if strings.HasPrefix(cur, w.deps.Portals.WingBaseURL) {
		w.log.Info("redirected to wing, login complete")
		return schemas.LoginAuthenticated, nil
	}
	w.log.Warn("login landed on unexpected page", zap.String("url", cur))
	return schemas.LoginFailed, nil
}

// loginMFA runs the SMS verification the xauth flow interposes for
// unrecognized devices. The first send is triggered by selecting the
// SMS channel; resends use the dedicated control.
func (w *Workflow) loginMFA(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	sent := false
	res, err := portal.RunCodeLoop(ctx, portal.LoopConfig{
		Prompt:    w.prompt,
		Op:        schemas.OpSMS,
		InvalidOp: schemas.OpInvalidSMS,
		ResendOp:  schemas.OpResendSMS,
		MaxRetry:  portal.MaxRetryAuth,
		MaxResend: portal.MaxResendAuth,
	}, portal.CodeRound{
		Send: func(ctx context.Context) error {
			if !sent {
				sent = true
				return drv.Click(ctx, selMFAContainer)
			}
			return drv.Click(ctx, selMFAResend)
		},
		Submit: func(ctx context.Context, code string) error {
			if err := drv.Fill(ctx, selMFACode, code); err != nil {
				return err
			}
			return drv.Click(ctx, selMFASubmit)
		},
		Accepted: func(ctx context.Context) (bool, error) {
			return !drv.Exists(ctx, selMFAInvalid), nil
		},
	})
	if err != nil {
		return schemas.LoginFailed, err
	}
	switch res {
	case portal.LoopOK:
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusSMSSuccess})
		return schemas.LoginAuthenticated, nil
	case portal.LoopTimeout:
		return schemas.LoginMFATimeout, nil
	case portal.LoopTerminated:
		return schemas.LoginTerminated, nil
	}
	return schemas.LoginMFAExhausted, nil
}

var nonDigits = regexp.MustCompile(`\D`)

// VerifyBusiness opens the seller basic info page, which requires the
// account password again, and compares the registered business number
// against the request. Either failure mode publishes MISMATCH_BIZ_NO.
func (w *Workflow) VerifyBusiness(ctx context.Context) (bool, error) {
	drv := w.deps.Driver
	if err := drv.Navigate(ctx, w.wingURL(basicInfoPath)); err != nil {
		return false, fmt.Errorf("open seller info: %w", err)
	}
	if err := drv.Fill(ctx, selConfirmPw, w.req.Password); err != nil {
		return false, err
	}
	if err := drv.Click(ctx, selConfirmBtn); err != nil {
		return false, err
	}

	if drv.Exists(ctx, selPageMissing) {
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusMismatchBizNo})
		return false, nil
	}

	siteBizNo := nonDigits.ReplaceAllString(drv.Text(ctx, selBizNo), "")
	wantBizNo := nonDigits.ReplaceAllString(w.req.BizNo, "")
	if siteBizNo == "" || siteBizNo != wantBizNo {
		w.log.Warn("business number mismatch", zap.String("site", siteBizNo))
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: schemas.StatusMismatchBizNo})
		return false, nil
	}
	w.log.Info("business number matched")
	return true, nil
}
