// File: internal/portal/coupang/subaccount.go
package coupang

import (
	"context"
	"fmt"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/contacts"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	managerCreatePath = "/tenants/wing-account/vendor/manager/create"
	phoneSendPath     = "/tenants/wing-account/vendor-auth/phone"
	phoneVerifyPath   = "/tenants/wing-account/vendor-auth/phone/verify"
	emailSendPath     = "/tenants/wing-account/vendor-auth/email"
	emailVerifyPath   = "/tenants/wing-account/vendor-auth/email/verify"
	createAccountPath = "/tenants/wing-account/vendor/account/create"

	// authPurpose the vendor-auth endpoints expect for new contacts.
	purposeChangeUserInfo = "CHANGE_USER_INFO"
)

func (w *Workflow) accountHeaders() map[string]string {
	return map[string]string{
		"Origin":  w.deps.Portals.WingBaseURL,
		"Referer": w.wingURL(createAccountPath),
	}
}

// authVerifyResponse is the vendor-auth verify reply shape.
type authVerifyResponse struct {
	Data struct {
		ReasonCode string `json:"reasonCode"`
		Token      string `json:"token"`
	} `json:"data"`
}

// createResponse is the account create reply shape.
type createResponse struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message"`
	Code       int    `json:"code"`
}

// ProvisionSubAccount creates the dedicated wing sub account on a
// leased contact slot. Both the phone and the email contact must pass a
// code verification before the create call is accepted. The rotating
// cursor advances exactly once on a created account and once on a
// username collision; any other failure leaves it untouched.
func (w *Workflow) ProvisionSubAccount(ctx context.Context) (*schemas.SubAccount, error) {
	drv := w.deps.Driver

	lease, err := w.deps.Slots.Acquire(ctx, schemas.FamilyCoupang)
	if err != nil {
		return nil, fmt.Errorf("reserve contact slot: %w", err)
	}
	w.log.Info("contact slot leased",
		zap.Int("slot", lease.Slot.Index),
		zap.Int64("cursor", lease.Cursor))

	if err := drv.Navigate(ctx, w.wingURL(managerCreatePath)); err != nil {
		return nil, fmt.Errorf("open account create page: %w", err)
	}
	if err := drv.Fill(ctx, selConfirmPw, w.req.Password); err != nil {
		return nil, err
	}
	if err := drv.Click(ctx, selConfirmBtn); err != nil {
		return nil, err
	}

	ctk := drv.InputValue(ctx, selCTK)
	if ctk == "" {
		return nil, fmt.Errorf("csrf token missing on account create page")
	}

	tokenMobile, err := w.verifyPhone(ctx, lease)
	if err != nil {
		return nil, err
	}
	tokenEmail, err := w.verifyEmail(ctx, lease)
	if err != nil {
		return nil, err
	}

	username := w.deps.Slots.Username(w.deps.Contacts.UsernamePrefix, lease)
	password, err := contacts.GeneratePassword()
	if err != nil {
		return nil, err
	}

	account := schemas.SubAccount{
		Family:    schemas.FamilyCoupang,
		BizNo:     w.req.BizNo,
		Username:  username,
		Password:  password,
		Slot:      lease.Slot,
		CreatedAt: time.Now(),
	}
	// Save the credentials before the create call: the portal may accept
	// the account even when our side of the exchange fails afterwards,
	// and the generated password exists nowhere else.
	if w.deps.Repo != nil {
		if err := w.deps.Repo.SaveSubAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("persist sub account credentials: %w", err)
		}
	}

	form := url.Values{
		"_ctk":              {ctk},
		"tokenForMobile":    {tokenMobile},
		"tokenForEmail":     {tokenEmail},
		"userId":            {username},
		"userName":          {w.deps.Contacts.SubAccountName},
		"password":          {password},
		"repeatPw":          {password},
		"phoneCountryCode":  {"82"},
		"phone":             {lease.Slot.Phone},
		"mobileCountryCode": {"82"},
		"mobile":            {lease.Slot.Phone},
		"email":             {lease.Slot.Email},
		"privacyAgreement":  {"on"},
	}

	body, _, err := drv.PostForm(ctx, w.wingURL(createAccountPath), w.accountHeaders(), form)
	if err != nil {
		return nil, fmt.Errorf("create sub account: %w", err)
	}
	var res createResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}

	switch res.Message {
	case "OK":
		if _, err := w.deps.Slots.Advance(ctx, schemas.FamilyCoupang); err != nil {
			return nil, err
		}
		w.log.Info("sub account created", zap.String("username", username))
		return &account, nil
	case "UserID Duplicate":
		// Burn the ordinal so the next run picks a fresh name.
		if _, err := w.deps.Slots.Advance(ctx, schemas.FamilyCoupang); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sub account username %s already taken", username)
	default:
		return nil, fmt.Errorf("sub account create rejected: %q", res.Message)
	}
}

// verifyPhone sends a code to the slot's phone and verifies whatever
// the SMS relay pushes onto the slot queue. Wrong codes are retried
// with fresh sends up to the auth retry budget.
func (w *Workflow) verifyPhone(ctx context.Context, lease *contacts.Lease) (string, error) {
	contact := "82 " + lease.Slot.Phone
	for attempt := 0; attempt < portal.MaxRetryAuth; attempt++ {
		since := time.Now().UnixMilli()
		if _, _, err := w.deps.Driver.PostJSON(ctx, w.wingURL(phoneSendPath), w.accountHeaders(), map[string]string{
			"contact":     contact,
			"authPurpose": purposeChangeUserInfo,
		}); err != nil {
			return "", fmt.Errorf("send phone code: %w", err)
		}

		env, err := w.deps.Codes.PopSince(ctx, lease.QueueKey, since, portal.CoupangAuthTimeout)
		if err != nil {
			return "", fmt.Errorf("wait for phone code: %w", err)
		}
		if env == nil {
			return "", fmt.Errorf("phone code timed out on slot %d", lease.Slot.Index)
		}

		body, _, err := w.deps.Driver.PostJSON(ctx, w.wingURL(phoneVerifyPath), w.accountHeaders(), map[string]string{
			"vendorId":    "null",
			"userId":      "null",
			"locale":      "ko",
			"authNumber":  env.Data,
			"authPurpose": purposeChangeUserInfo,
			"contact":     contact,
		})
		if err != nil {
			return "", fmt.Errorf("verify phone code: %w", err)
		}
		var res authVerifyResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", fmt.Errorf("decode phone verify response: %w", err)
		}
		switch res.Data.ReasonCode {
		case "SUCCESS":
			return res.Data.Token, nil
		case "INVALID_AUTH_NUMBER":
			w.log.Warn("phone code rejected", zap.Int("attempt", attempt+1))
		default:
			w.log.Warn("phone verify returned unexpected reason",
				zap.String("reasonCode", res.Data.ReasonCode))
		}
	}
	return "", fmt.Errorf("phone verification failed after %d attempts", portal.MaxRetryAuth)
}

// verifyEmail mirrors verifyPhone with the code pulled from the slot's
// mailbox label instead of the SMS relay.
func (w *Workflow) verifyEmail(ctx context.Context, lease *contacts.Lease) (string, error) {
	if w.deps.Mail == nil {
		return "", fmt.Errorf("email verification needs a mailbox client, none configured")
	}
	for attempt := 0; attempt < portal.MaxRetryAuth; attempt++ {
		since := time.Now().Add(-time.Second)
		if _, _, err := w.deps.Driver.PostJSON(ctx, w.wingURL(emailSendPath), w.accountHeaders(), map[string]string{
			"contact":     lease.Slot.Email,
			"authPurpose": purposeChangeUserInfo,
		}); err != nil {
			return "", fmt.Errorf("send email code: %w", err)
		}

		code, err := w.deps.Mail.FetchCode(ctx, lease.Slot.Label, since)
		if err != nil {
			return "", fmt.Errorf("fetch email code: %w", err)
		}

		body, _, err := w.deps.Driver.PostJSON(ctx, w.wingURL(emailVerifyPath), w.accountHeaders(), map[string]string{
			"vendorId":    "null",
			"userId":      "null",
			"locale":      "ko",
			"authNumber":  code,
			"authPurpose": purposeChangeUserInfo,
			"contact":     lease.Slot.Email,
		})
		if err != nil {
			return "", fmt.Errorf("verify email code: %w", err)
		}
		var res authVerifyResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", fmt.Errorf("decode email verify response: %w", err)
		}
		switch res.Data.ReasonCode {
		case "SUCCESS":
			return res.Data.Token, nil
		case "INVALID_AUTH_NUMBER":
			w.log.Warn("email code rejected", zap.Int("attempt", attempt+1))
		default:
			w.log.Warn("email verify returned unexpected reason",
				zap.String("reasonCode", res.Data.ReasonCode))
		}
	}
	return "", fmt.Errorf("email verification failed after %d attempts", portal.MaxRetryAuth)
}
