// File: internal/portal/smartstore/commerce.go
package smartstore

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

// Selectors on the commerce login and certify pages.
const (
	selCommerceID        = `//input[@placeholder="아이디 또는 이메일 주소"]`
	selCommercePW        = `//input[@type="password"]`
	selCommerceLoginBtn  = `//button[@type="button"]/span[text()="로그인"]`
	selCommerceCaptcha   = `//img[@alt="캡챠 이미지"]`
	selCommerceCaptchaIn = `//input[@id="captcha"]`
	selCommerceWrongPw   = `//div[contains(text(), "비밀번호가 잘못 입력되었습니다")]`

	selCertifyPhoneRadio = `//input[@id="phone" and @type="radio"]`
	selCertifyEmailRadio = `//input[@id="email" and @type="radio"]`
	selCertifyPhoneLabel = `//label[@for="phone"]`
	selCertifyEmailLabel = `//label[@for="email"]`
	selCertifySend       = `//button[@type="button"]/span[text()="인증"]`
	selCertifyCancel     = `//button[@type="button"]/span[text()="취소"]`
	selCertifyCodeInput  = `//input[@placeholder="인증번호 숫자 6자리"]`
	selCertifyInvalid    = `//div[contains(text(), "다시 확인해")]`
	selCertifyConfirm    = `//button[@type="button"]/span[text()="확인"]`
)

// The commerce captcha is a fixed-format challenge, six uppercase
// letters, so the question does not depend on page text.
const commerceCaptchaQuestion = "이미지는 6자의 알파벳 대문자로 이루어져 있어. 어떤 문자들인지 알려줘. 설명은 필요없고 문자 6자만 답해줘."

// loginCommerce signs in with the commerce account credentials
// directly, the fallback when the nid stage produced no session.
func (w *Workflow) loginCommerce(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	w.publish(ctx, schemas.StatusStartCommerceLogin)

	loginURL := w.commerceURL(commerceLoginPath + "?url=https%3A%2F%2Fsell.smartstore.naver.com%2F%23%2Flogin-callback")
	if err := drv.Navigate(ctx, loginURL); err != nil {
		return schemas.LoginFailed, err
	}
	if err := drv.Fill(ctx, selCommerceID, w.req.UserID); err != nil {
		return schemas.LoginFailed, err
	}
	if err := drv.Fill(ctx, selCommercePW, w.req.Password); err != nil {
		return schemas.LoginFailed, err
	}

	if drv.Exists(ctx, selCommerceCaptcha) {
		return w.solveCommerceCaptcha(ctx)
	}
	if err := drv.ClickLast(ctx, selCommerceLoginBtn); err != nil {
		return schemas.LoginFailed, err
	}
	if drv.Exists(ctx, selCommerceCaptcha) {
		return w.solveCommerceCaptcha(ctx)
	}
	return w.classifyCommerceSubmit(ctx)
}

func (w *Workflow) solveCommerceCaptcha(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver
	ok, err := portal.SolveCaptcha(ctx, w.deps.Solver, w.deps.Status, portal.CaptchaRound{
		Capture: func(ctx context.Context) ([]byte, error) {
			return drv.Screenshot(ctx, selCommerceCaptcha)
		},
		Question: func(ctx context.Context) string { return commerceCaptchaQuestion },
		Refill: func(ctx context.Context) error {
			return drv.Fill(ctx, selCommercePW, w.req.Password)
		},
		Submit: func(ctx context.Context, answer string) error {
			if answer != "" {
				if err := drv.Fill(ctx, selCommerceCaptchaIn, answer); err != nil {
					return err
				}
			}
			return drv.ClickLast(ctx, selCommerceLoginBtn)
		},
		Passed: func(ctx context.Context) (bool, error) {
			cur, err := drv.CurrentURL(ctx)
			if err != nil {
				return false, err
			}
			return strings.HasPrefix(cur, w.deps.Portals.SellBaseURL) ||
				strings.HasPrefix(cur, w.commerceURL(certifyPath)), nil
		},
	}, w.log)
	if err != nil {
		return schemas.LoginFailed, err
	}
	if !ok {
		w.publish(ctx, schemas.StatusLinkFailure)
		return schemas.LoginFailed, nil
	}
	return w.checkCommerceLanding(ctx)
}

func (w *Workflow) classifyCommerceSubmit(ctx context.Context) (schemas.LoginOutcome, error) {
	if w.deps.Driver.Exists(ctx, selCommerceWrongPw) {
		// Both stages rejecting the credentials means the account itself
		// is wrong. A commerce-only rejection after a working nid login
		// points at the link setup instead.
		if w.naverWrongPw {
			w.publish(ctx, schemas.StatusWrongAccount)
			return schemas.LoginWrongCredential, nil
		}
		w.publish(ctx, schemas.StatusLinkFailure)
		return schemas.LoginFailed, nil
	}
	return w.checkCommerceLanding(ctx)
}

// certify drives the identity verification interstitial the commerce
// login sometimes interposes. Phone verification is preferred; the
// email channel is used when the phone radio is disabled.
func (w *Workflow) certify(ctx context.Context) (schemas.LoginOutcome, error) {
	drv := w.deps.Driver

	var op, invalidOp, resendOp string
	switch {
	case w.radioUsable(ctx, selCertifyPhoneRadio):
		if !w.radioChecked(ctx, selCertifyPhoneRadio) {
			_ = drv.Click(ctx, selCertifyPhoneLabel)
		}
		op, invalidOp, resendOp = schemas.OpSMS, schemas.OpInvalidSMS, schemas.OpResendSMS
	case w.radioUsable(ctx, selCertifyEmailRadio):
		if !w.radioChecked(ctx, selCertifyEmailRadio) {
			_ = drv.Click(ctx, selCertifyEmailLabel)
		}
		op, invalidOp, resendOp = schemas.OpEmail, schemas.OpInvalidMail, schemas.OpResendMail
	default:
		w.log.Warn("certify page offers no usable verification channel")
		return schemas.LoginFailed, nil
	}

	sent := false
	res, err := portal.RunCodeLoop(ctx, portal.LoopConfig{
		Prompt:    w.prompt,
		Op:        op,
		InvalidOp: invalidOp,
		ResendOp:  resendOp,
		MaxRetry:  portal.MaxRetryAuth,
		MaxResend: portal.MaxResendAuth,
	}, portal.CodeRound{
		Send: func(ctx context.Context) error {
			if sent {
				// A resend needs the pending round cancelled first.
				if err := drv.ClickLast(ctx, selCertifyCancel); err != nil {
					return err
				}
			}
			sent = true
			return drv.ClickLast(ctx, selCertifySend)
		},
		Submit: func(ctx context.Context, code string) error {
			return drv.Fill(ctx, selCertifyCodeInput, code)
		},
		Accepted: func(ctx context.Context) (bool, error) {
			return !drv.Exists(ctx, selCertifyInvalid), nil
		},
	})
	if err != nil {
		return schemas.LoginFailed, err
	}
	switch res {
	case portal.LoopOK:
		if err := drv.ClickLast(ctx, selCertifyConfirm); err != nil {
			return schemas.LoginFailed, err
		}
		w.log.Info("certify verification accepted", zap.String("channel", op))
		return schemas.LoginAuthenticated, nil
	case portal.LoopTimeout:
		return schemas.LoginMFATimeout, nil
	case portal.LoopTerminated:
		return schemas.LoginTerminated, nil
	}
	return schemas.LoginMFAExhausted, nil
}

func (w *Workflow) radioUsable(ctx context.Context, selector string) bool {
	drv := w.deps.Driver
	if !drv.Exists(ctx, selector) {
		return false
	}
	_, disabled := drv.Attribute(ctx, selector, "disabled")
	return !disabled
}

func (w *Workflow) radioChecked(ctx context.Context, selector string) bool {
	_, checked := w.deps.Driver.Attribute(ctx, selector, "checked")
	return checked
}
