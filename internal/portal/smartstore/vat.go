// File: internal/portal/smartstore/vat.go
package smartstore

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sellerAccountPath = "/api/sellers/account?maskApplyTypes=MEMBER&maskApplyTypes=SETTLEMENT"
	channelsPath      = "/api/login/channels"
	changeChannelPath = "/api/login/change-channel"
	memberInvitePath  = "/api/member/auth?_action=inviteAction"
	graphqlPath       = "/e/v3/graphql"
	dashboardPath     = "/#/home/dashboard"

	// aggregateRowLabel marks the totals row the VAT query appends; it
	// carries summed amounts but no month of its own.
	aggregateRowLabel = "합계"

	vatOperationName = "findMonthlyVatDeclarationsUsingGET"
	vatQuery         = `query findMonthlyVatDeclarationsUsingGET($merchantNo: String, $startYm: String, $endYm: String, $includeTotal: Boolean) {
  MonthlyVatDeclaration(merchantNo: $merchantNo, startYm: $startYm, endYm: $endYm, includeTotal: $includeTotal) {
    publicationYm
    taxationSellingAmount
    taxFreeSellingAmount
    creditCardAdmissionAmount
    cashIncomeAdmissionAmount
    cashOutgoingVouchAdmissionAmount
    etcAmount
  }
}`
)

func (w *Workflow) sellHeaders() map[string]string {
	return map[string]string{
		"Accept":  "application/json",
		"Origin":  w.deps.Portals.SellBaseURL,
		"Referer": w.sellURL("/"),
	}
}

var bizNoDigits = regexp.MustCompile(`\D`)

type sellerAccountResponse struct {
	Represent struct {
		Identity string `json:"identity"`
	} `json:"represent"`
}

// VerifyBusiness compares the representative identity registered on the
// seller account with the requested business number, ignoring dashes.
func (w *Workflow) VerifyBusiness(ctx context.Context) (bool, error) {
	match, registered, err := w.registeredBizNoMatches(ctx)
	if err != nil {
		return false, err
	}
	if !match {
		w.log.Warn("business number mismatch",
			zap.String("registered", registered),
			zap.String("requested", bizNoDigits.ReplaceAllString(w.req.BizNo, "")))
		w.publish(ctx, schemas.StatusMismatchBizNo)
		return false, nil
	}
	return true, nil
}

// registeredBizNoMatches reads the representative identity the current
// session scope is registered under and digit compares it with the
// request. The session scope changes with every channel switch, so the
// probe runs once per channel too.
func (w *Workflow) registeredBizNoMatches(ctx context.Context) (bool, string, error) {
	body, status, err := w.deps.Driver.Get(ctx, w.sellURL(sellerAccountPath), w.sellHeaders())
	if err != nil {
		return false, "", fmt.Errorf("seller account lookup: %w", err)
	}
	if status >= 400 {
		return false, "", fmt.Errorf("seller account lookup: status %d", status)
	}
	var acc sellerAccountResponse
	if err := json.Unmarshal(body, &acc); err != nil {
		return false, "", fmt.Errorf("decode seller account: %w", err)
	}

	got := bizNoDigits.ReplaceAllString(acc.Represent.Identity, "")
	want := bizNoDigits.ReplaceAllString(w.req.BizNo, "")
	return got != "" && got == want, got, nil
}

type inviteMember struct {
	Name            string `json:"name"`
	CellPhoneNumber struct {
		CountryCode string `json:"countryCode"`
		PhoneNo     string `json:"phoneNo"`
	} `json:"cellPhoneNumber"`
}

// ProvisionSubAccount invites the caretaker as an additional member on
// the seller channel. Unlike wing, the portal sends its own invitation
// to the contact, so no credential rounds run here.
func (w *Workflow) ProvisionSubAccount(ctx context.Context) (*schemas.SubAccount, error) {
	member := inviteMember{Name: w.req.SubAccountName}
	member.CellPhoneNumber.CountryCode = "KOR"
	member.CellPhoneNumber.PhoneNo = w.req.SubAccountPhone

	payload := map[string]any{
		"roleGroupType": "ACCOUNT",
		"members":       []inviteMember{member},
	}
	body, status, err := w.deps.Driver.PostJSON(ctx, w.sellURL(memberInvitePath), w.sellHeaders(), payload)
	if err != nil {
		return nil, fmt.Errorf("member invite: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("member invite: status %d: %s", status, body)
	}
	w.log.Info("member invitation sent",
		zap.String("name", w.req.SubAccountName),
		zap.String("phone", w.req.SubAccountPhone))

	return &schemas.SubAccount{
		Family:    w.family,
		BizNo:     w.req.BizNo,
		Username:  w.req.SubAccountName,
		CreatedAt: time.Now(),
	}, nil
}

type sellerChannel struct {
	ChannelNo   int64  `json:"channelNo"`
	ChannelName string `json:"channelName"`
	RoleNo      int64  `json:"roleNo"`
}

// FetchReports enumerates the seller channels the session can reach and
// pulls the monthly VAT declarations for each, one declaration period
// at a time. Channels fail independently. Smartplace has no VAT surface
// so its runs return an empty set.
func (w *Workflow) FetchReports(ctx context.Context, startYM, endYM string) (*schemas.VatReportSet, error) {
	set := &schemas.VatReportSet{}
	if w.family == schemas.FamilySmartPlace {
		return set, nil
	}

	channels, err := w.fetchChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		// Sub accounts see no channels of their own; the link must be
		// re-run with the main account.
		w.publish(ctx, schemas.StatusRequireMainAccount)
		return nil, fmt.Errorf("session has no seller channels")
	}

	halves, err := portal.Halves(startYM, endYM)
	if err != nil {
		return nil, err
	}

	for _, ch := range channels {
		if len(channels) > 1 {
			if err := w.changeChannel(ctx, ch); err != nil {
				w.log.Warn("channel switch failed",
					zap.Int64("channelNo", ch.ChannelNo), zap.Error(err))
				set.Errors = append(set.Errors, fmt.Sprintf("channel %d: %v", ch.ChannelNo, err))
				continue
			}
			// One session can span channels of unrelated businesses;
			// re-probe the registered number on every switch and only
			// collect from channels of the requested business.
			match, registered, err := w.registeredBizNoMatches(ctx)
			if err != nil {
				set.Errors = append(set.Errors, fmt.Sprintf("channel %d: %v", ch.ChannelNo, err))
				continue
			}
			if !match {
				w.log.Warn("skipping channel of a different business",
					zap.Int64("channelNo", ch.ChannelNo),
					zap.String("registered", registered))
				continue
			}
		}
		reports, err := w.fetchChannelVat(ctx, ch, halves)
		if err != nil {
			w.log.Warn("channel VAT fetch failed",
				zap.Int64("channelNo", ch.ChannelNo), zap.Error(err))
			set.Errors = append(set.Errors, fmt.Sprintf("channel %d: %v", ch.ChannelNo, err))
			continue
		}
		set.Reports = append(set.Reports, reports...)
	}
	return set, nil
}

func (w *Workflow) fetchChannels(ctx context.Context) ([]sellerChannel, error) {
	body, status, err := w.deps.Driver.Get(ctx, w.sellURL(channelsPath), w.sellHeaders())
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("list channels: status %d", status)
	}
	var channels []sellerChannel
	if err := json.Unmarshal(body, &channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return channels, nil
}

// changeChannel re-scopes the session to one channel. The endpoint
// answers with the next hop in an x-ncp-login-info response header;
// drivers that cannot expose headers fall back to the dashboard.
func (w *Workflow) changeChannel(ctx context.Context, ch sellerChannel) error {
	endpoint := w.sellURL(fmt.Sprintf("%s?channelNo=%d&roleNo=%d&url=%s",
		changeChannelPath, ch.ChannelNo, ch.RoleNo,
		url.QueryEscape(w.sellURL(dashboardPath))))

	redirect := w.sellURL(dashboardPath)
	if hp, ok := w.deps.Driver.(schemas.HeaderPoster); ok {
		_, headers, status, err := hp.PostJSONHeaders(ctx, endpoint, w.sellHeaders(), nil)
		if err != nil {
			return fmt.Errorf("change channel: %w", err)
		}
		if status >= 400 {
			return fmt.Errorf("change channel: status %d", status)
		}
		if info := headers.Get("x-ncp-login-info"); info != "" {
			if next := parseLoginInfoRedirect(info); next != "" {
				redirect = next
			}
		}
	} else {
		if _, status, err := w.deps.Driver.PostJSON(ctx, endpoint, w.sellHeaders(), nil); err != nil {
			return fmt.Errorf("change channel: %w", err)
		} else if status >= 400 {
			return fmt.Errorf("change channel: status %d", status)
		}
	}
	return w.deps.Driver.Navigate(ctx, redirect)
}

// parseLoginInfoRedirect unwraps the url-encoded JSON blob the channel
// switch returns and pulls its redirect target.
func parseLoginInfoRedirect(info string) string {
	decoded, err := url.QueryUnescape(info)
	if err != nil {
		return ""
	}
	var payload struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.Unmarshal([]byte(decoded), &payload); err != nil {
		return ""
	}
	return payload.RedirectURL
}

type vatRow map[string]any

type vatQueryResponse struct {
	Data struct {
		MonthlyVatDeclaration []vatRow `json:"MonthlyVatDeclaration"`
	} `json:"data"`
}

func (w *Workflow) fetchChannelVat(ctx context.Context, ch sellerChannel, halves []portal.Half) ([]schemas.VatReport, error) {
	var reports []schemas.VatReport
	for _, h := range halves {
		startYm, endYm := halfBounds(h)
		payload := map[string]any{
			"operationName": vatOperationName,
			"query":         vatQuery,
			"variables": map[string]any{
				"merchantNo":   strconv.FormatInt(ch.ChannelNo, 10),
				"startYm":      startYm,
				"endYm":        endYm,
				"includeTotal": true,
			},
		}
		body, status, err := w.deps.Driver.PostJSON(ctx, w.sellURL(graphqlPath), w.sellHeaders(), payload)
		if err != nil {
			return nil, fmt.Errorf("vat query %s..%s: %w", startYm, endYm, err)
		}
		if status >= 400 {
			return nil, fmt.Errorf("vat query %s..%s: status %d", startYm, endYm, status)
		}
		var resp vatQueryResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode vat response: %w", err)
		}

		for _, row := range resp.Data.MonthlyVatDeclaration {
			pub, _ := row["publicationYm"].(string)
			report := schemas.VatReport{
				StoreID:   strconv.FormatInt(ch.ChannelNo, 10),
				StoreName: ch.ChannelName,
				Source:    strconv.FormatInt(ch.ChannelNo, 10),
				Amounts:   numericFields(row, "publicationYm"),
			}
			if pub == aggregateRowLabel {
				reports = append(reports, report)
				continue
			}
			ym, err := portal.NormalizeYM(pub)
			if err != nil {
				w.log.Warn("skipping vat row with unparseable month", zap.String("publicationYm", pub))
				continue
			}
			report.YM = ym
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// halfBounds maps a declaration period onto its compact month range.
func halfBounds(h portal.Half) (startYm, endYm string) {
	if h.Half == 1 {
		return fmt.Sprintf("%d01", h.Year), fmt.Sprintf("%d06", h.Year)
	}
	return fmt.Sprintf("%d07", h.Year), fmt.Sprintf("%d12", h.Year)
}

// numericFields collects the numeric columns of a VAT row, skipping the
// named non amount keys. GraphQL numbers decode as float64.
func numericFields(row map[string]any, skip ...string) map[string]int64 {
	amounts := make(map[string]int64, len(row))
next:
	for key, val := range row {
		for _, s := range skip {
			if key == s {
				continue next
			}
		}
		if f, ok := val.(float64); ok {
			amounts[key] = int64(f)
		}
	}
	return amounts
}
