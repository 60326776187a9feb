// File: internal/portal/smartstore/smartstore.go
// Package smartstore drives the naver seller portals: the nid login
// with its receipt captcha and app push confirmation, the commerce
// account login with its own captcha and certify rounds, channel
// scoped VAT retrieval, and invite based sub account provisioning.
// The smartplace family shares the login machinery.
package smartstore

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

// Selectors on the nid login page.
const (
	selNaverID           = `//input[@id="id"]`
	selNaverPW           = `//input[@id="pw"]`
	selNaverLoginBtn     = `//button[@id="log.login"]`
	selNaverError        = `//div[@id="err_common"]`
	selNaverCaptchaImg   = `//img[@id="captchaimg"]`
	selNaverCaptchaInfo  = `//p[@id="captcha_info"]`
	selNaverCaptchaInput = `//input[@id="captcha"]`
	selPushCase          = `//div[@id="push_case"]`
	selDirectCase        = `//div[@id="direct_case"]`
	selResendPush        = `//button[@id="resendBtn"]`
	selDontSave          = `//a[@id="new.dontsave"]`
	selSimpleLogin       = `//button[@type="button" and contains(@class, "Login_btn_login")]`
)

const (
	naverLoginPath    = "/nidlogin.login?url=https%3A%2F%2Fsell.smartstore.naver.com%2F%23%2Fnaverpay%2Fsettlemgt%2Fvatdeclaration"
	commerceLoginPath = "/login"
	certifyPath       = "/certify"

	// The nid receipt captcha poses a free form question rendered under
	// the image; the per-image instructions are appended at solve time.
	naverCaptchaQuestion = "이미지에 관한 맨 아래 문장에 적합한 답변을 알려줘.\n문장을 반복할 필요는 없고 답변만 말해\n[?]가 문장에 있으면 ?에 해당하는 단어만 말해줘\n"
)

// Workflow implements portal.Workflow for the smartstore and
// smartplace families.
type Workflow struct {
	deps     portal.Deps
	req      schemas.LinkRequest
	family   schemas.PortalFamily
	replyKey string
	prompt   *portal.CodePrompt

	// naverWrongPw remembers a credential rejection on the nid stage so
	// the commerce stage can classify its own rejection correctly.
	naverWrongPw bool

	log *zap.Logger
}

// New builds a workflow for one link run against the given family.
func New(family schemas.PortalFamily, req schemas.LinkRequest, replyKey string, deps portal.Deps) *Workflow {
	log := deps.Log.Named(string(family))
	return &Workflow{
		deps:     deps,
		req:      req,
		family:   family,
		replyKey: replyKey,
		prompt: &portal.CodePrompt{
			Codes:    deps.Codes,
			Status:   deps.Status,
			QueueKey: replyKey,
			Timeout:  portal.SmartAuthTimeout,
			Log:      log,
		},
		log: log,
	}
}

var _ portal.Workflow = (*Workflow)(nil)

func (w *Workflow) naverURL(path string) string    { return w.deps.Portals.NaverBaseURL + path }
func (w *Workflow) commerceURL(path string) string { return w.deps.Portals.CommerceChURL + path }
func (w *Workflow) sellURL(path string) string     { return w.deps.Portals.SellBaseURL + path }

func (w *Workflow) publish(ctx context.Context, statusType string) {
	_ = w.deps.Status.Publish(ctx, schemas.Envelope{Type: statusType})
}

// Login runs the nid stage first and, for the smartstore family, falls
// back to a direct commerce account login when the nid stage cannot
// produce a session. Smartplace accounts only exist on nid.
func (w *Workflow) Login(ctx context.Context) (schemas.LoginOutcome, error) {
	outcome, err := w.loginNaver(ctx)
	if err != nil {
		return schemas.LoginFailed, err
	}
	switch outcome {
	case schemas.LoginAuthenticated, schemas.LoginTerminated,
		schemas.LoginMFATimeout, schemas.LoginMFAExhausted:
		return outcome, nil
	}
	if w.family == schemas.FamilySmartPlace {
		return outcome, nil
	}
	return w.loginCommerce(ctx)
}

// loginNaver walks the nid credential form, its receipt captcha, and
// the app push confirmation, then follows the redirect chain into the
// commerce session.
func (w *Workflow) loginNaver(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	if err := drv.Navigate(ctx, w.naverURL(naverLoginPath)); err != nil {
		return schemas.LoginFailed, err
	}

	if drv.Exists(ctx, selNaverCaptchaImg) {
		ok, err := w.solveNaverCaptcha(ctx)
		if err != nil {
			return schemas.LoginFailed, err
		}
		if !ok {
			return schemas.LoginFailed, nil
		}
	} else {
		if err := drv.Fill(ctx, selNaverID, w.req.UserID); err != nil {
			return schemas.LoginFailed, err
		}
		if err := drv.Fill(ctx, selNaverPW, w.req.Password); err != nil {
			return schemas.LoginFailed, err
		}
		if err := drv.Click(ctx, selNaverLoginBtn); err != nil {
			return schemas.LoginFailed, err
		}
		w.log.Info("nid credentials submitted")

		if drv.Exists(ctx, selNaverError) {
			// The error banner is always in the DOM; it only counts when
			// nid removed the hiding style attribute.
			if _, styled := drv.Attribute(ctx, selNaverError, "style"); !styled {
				w.naverWrongPw = true
				return schemas.LoginWrongCredential, nil
			}
		} else if drv.Exists(ctx, selNaverCaptchaImg) {
			ok, err := w.solveNaverCaptcha(ctx)
			if err != nil {
				return schemas.LoginFailed, err
			}
			if !ok {
				return schemas.LoginFailed, nil
			}
		}
	}

	if drv.IsVisible(ctx, selPushCase) {
		outcome, err := w.confirmAppPush(ctx)
		if err != nil || outcome != schemas.LoginAuthenticated {
			return outcome, err
		}
	} else if drv.IsVisible(ctx, selDirectCase) {
		// Hardware OTP entry has no out of band channel to drive.
		w.log.Warn("nid account requires OTP device, cannot proceed")
		return schemas.LoginFailed, nil
	}

	if drv.Exists(ctx, selDontSave) {
		_ = drv.Click(ctx, selDontSave)
	}

	cur, err := drv.CurrentURL(ctx)
	if err != nil {
		return schemas.LoginFailed, err
	}
	if !strings.HasPrefix(cur, w.commerceURL(commerceLoginPath)) {
		if err := drv.Reload(ctx); err != nil {
			return schemas.LoginFailed, err
		}
		if cur, err = drv.CurrentURL(ctx); err != nil {
			return schemas.LoginFailed, err
		}
	}

	if !strings.HasPrefix(cur, w.commerceURL(commerceLoginPath)) {
		w.log.Warn("nid login did not reach the commerce redirect", zap.String("url", cur))
		return schemas.LoginFailed, nil
	}

	// The commerce page offers a one-click continuation for the nid
	// session. It sometimes needs more than one nudge.
	for attempt := 0; attempt < 5; attempt++ {
		if cur, err = drv.CurrentURL(ctx); err != nil {
			return schemas.LoginFailed, err
		}
		if !strings.HasPrefix(cur, w.commerceURL(commerceLoginPath)) {
			break
		}
		if drv.IsVisible(ctx, selSimpleLogin) {
			_ = drv.Click(ctx, selSimpleLogin)
		}
	}

	return w.checkCommerceLanding(ctx)
}

// solveNaverCaptcha runs the receipt captcha loop. The password is
// refilled every round because nid clears it on a rejected answer.
func (w *Workflow) solveNaverCaptcha(ctx context.Context) (bool, error) {
	drv := w.deps.Driver
	return portal.SolveCaptcha(ctx, w.deps.Solver, w.deps.Status, portal.CaptchaRound{
		Capture: func(ctx context.Context) ([]byte, error) {
			return drv.Screenshot(ctx, selNaverCaptchaImg)
		},
		Question: func(ctx context.Context) string {
			return naverCaptchaQuestion + drv.Text(ctx, selNaverCaptchaInfo)
		},
		Refill: func(ctx context.Context) error {
			if err := drv.Fill(ctx, selNaverID, w.req.UserID); err != nil {
				return err
			}
			return drv.Fill(ctx, selNaverPW, w.req.Password)
		},
		Submit: func(ctx context.Context, answer string) error {
			if answer != "" {
				if err := drv.Fill(ctx, selNaverCaptchaInput, answer); err != nil {
					return err
				}
			}
			return drv.Click(ctx, selNaverLoginBtn)
		},
		Passed: func(ctx context.Context) (bool, error) {
			return !drv.Exists(ctx, selNaverCaptchaImg), nil
		},
	}, w.log)
}

// confirmAppPush waits for the user to approve the nid push prompt in
// their app. Approval shows up as the redirect to the commerce login;
// the exchange can request a new push or terminate while we wait.
func (w *Workflow) confirmAppPush(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	resend := 0
	for round := 0; round < portal.MaxResendAuth+2; round++ {
		issued := time.Now()
		_ = w.deps.Status.Publish(ctx, schemas.Envelope{
			Action:      true,
			Type:        schemas.OpAppConfirm,
			ResendCount: resend,
		})

		resendRequested := false
		for poll := 0; poll < portal.AppConfirmPolls; poll++ {
			cur, err := drv.CurrentURL(ctx)
			if err != nil {
				return schemas.LoginFailed, err
			}
			if strings.HasPrefix(cur, w.commerceURL(commerceLoginPath)) ||
				strings.HasPrefix(cur, w.commerceURL(certifyPath)) {
				w.publish(ctx, schemas.StatusAppConfirmSuccess)
				return schemas.LoginAuthenticated, nil
			}

			// The one second pop doubles as the poll interval.
			env, err := w.deps.Codes.PopSince(ctx, w.replyKey, issued.UnixMilli(), time.Second)
			if err != nil {
				return schemas.LoginFailed, err
			}
			if env == nil {
				continue
			}
			switch env.Type {
			case schemas.OpAppConfirm:
				resend++
				if resend > portal.MaxResendAuth {
					w.publish(ctx, schemas.StatusMaxResendReached)
					return schemas.LoginMFAExhausted, nil
				}
				_ = drv.Click(ctx, selResendPush)
				resendRequested = true
			case schemas.OpTerminate:
				return schemas.LoginTerminated, nil
			}
			if resendRequested {
				break
			}
		}

		if !resendRequested {
			w.publish(ctx, schemas.StatusAuthTimeout)
			return schemas.LoginMFATimeout, nil
		}
	}
	w.publish(ctx, schemas.StatusAuthTimeout)
	return schemas.LoginMFATimeout, nil
}

// checkCommerceLanding classifies where the commerce redirect chain
// ended up. A certify interstitial still needs its verification rounds.
func (w *Workflow) checkCommerceLanding(ctx context.Context) (schemas.LoginOutcome, error) {
	cur, err := w.deps.Driver.CurrentURL(ctx)
	if err != nil {
		return schemas.LoginFailed, err
	}
	if strings.HasPrefix(cur, w.commerceURL(certifyPath)) {
		return w.certify(ctx)
	}
	if strings.HasPrefix(cur, w.deps.Portals.SellBaseURL) {
		w.log.Info("landed on the seller portal, login complete")
		return schemas.LoginAuthenticated, nil
	}
	w.log.Warn("commerce login landed on unexpected page", zap.String("url", cur))
	return schemas.LoginFailed, nil
}
