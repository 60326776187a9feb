// File: internal/portal/coupang/reports.go
package coupang

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

const (
	paymentMethodPath  = "/tenants/msf/wing/api/payment-method/list"
	paymentRefererPath = "/tenants/msf/wing/view/payment-method-view?commerceType=MARKET&currentPlatform=DESKTOP&currentLocale=ko"
	rocketSearchPath   = "/tenants/rfm/api/settlements/vat/search"
	rocketRefererPath  = "/tenants/rfm/settlements/vat-report?category=GOLDFISH"
)

var (
	vendorIDPattern   = regexp.MustCompile(`["']?vendorId["']?\s*[:=]\s*["']([^"']+)["']`)
	vendorNamePattern = regexp.MustCompile(`["']?vendorName["']?\s*[:=]\s*["']([^"']+)["']`)
)

// FetchReports pulls both wing VAT sources for the dashed YM range.
// The sources are guarded independently: a failing source contributes
// an error entry while the other still yields its reports.
func (w *Workflow) FetchReports(ctx context.Context, startYM, endYM string) (*schemas.VatReportSet, error) {
	set := &schemas.VatReportSet{}
	storeID, storeName := w.vendorIdentity(ctx)

	if reports, err := w.fetchPaymentMethod(ctx, startYM, endYM); err != nil {
		w.log.Warn("payment method report failed", zap.Error(err))
		set.Errors = append(set.Errors, fmt.Sprintf("payment-method: %v", err))
	} else {
		set.Reports = append(set.Reports, stampIdentity(reports, storeID, storeName)...)
	}

	if reports, err := w.fetchRocketGrowth(ctx, startYM, endYM); err != nil {
		w.log.Warn("rocket growth report failed", zap.Error(err))
		set.Errors = append(set.Errors, fmt.Sprintf("rocket-growth: %v", err))
	} else {
		set.Reports = append(set.Reports, stampIdentity(reports, storeID, storeName)...)
	}

	return set, nil
}

// vendorIdentity reads the vendor id and name out of the page global
// the wing shell embeds in its markup. Missing values are left empty.
func (w *Workflow) vendorIdentity(ctx context.Context) (id, name string) {
	src, err := w.deps.Driver.PageSource(ctx)
	if err != nil {
		w.log.Warn("could not read page source for vendor identity", zap.Error(err))
		return "", ""
	}
	if m := vendorIDPattern.FindStringSubmatch(src); m != nil {
		id = m[1]
	}
	if m := vendorNamePattern.FindStringSubmatch(src); m != nil {
		name = m[1]
	}
	return id, name
}

func stampIdentity(reports []schemas.VatReport, id, name string) []schemas.VatReport {
	for i := range reports {
		reports[i].StoreID = id
		reports[i].StoreName = name
	}
	return reports
}

// fetchPaymentMethod queries the settlement summary, which takes the
// range as compact integer year months.
func (w *Workflow) fetchPaymentMethod(ctx context.Context, startYM, endYM string) ([]schemas.VatReport, error) {
	from, err := strconv.Atoi(portal.CompactYM(startYM))
	if err != nil {
		return nil, fmt.Errorf("invalid start %q: %w", startYM, err)
	}
	to, err := strconv.Atoi(portal.CompactYM(endYM))
	if err != nil {
		return nil, fmt.Errorf("invalid end %q: %w", endYM, err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Origin":       w.deps.Portals.WingBaseURL,
		"Referer":      w.wingURL(paymentRefererPath),
	}
	body, status, err := w.deps.Driver.PostJSON(ctx, w.wingURL(paymentMethodPath), headers, map[string]int{
		"from": from,
		"to":   to,
	})
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("payment method list returned %d", status)
	}

	var res struct {
		PaymentMethodReports []map[string]any `json:"paymentMethodReports"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode payment method list: %w", err)
	}

	reports := make([]schemas.VatReport, 0, len(res.PaymentMethodReports))
	for _, row := range res.PaymentMethodReports {
		ym, _ := row["yearMonth"].(string)
		normalized, err := portal.NormalizeYM(ym)
		if err != nil {
			w.log.Warn("skipping payment method row with bad yearMonth", zap.String("yearMonth", ym))
			continue
		}
		reports = append(reports, schemas.VatReport{
			Source:  "payment-method",
			YM:      normalized,
			Amounts: numericFields(row, "yearMonth"),
		})
	}
	return reports, nil
}

// fetchRocketGrowth queries the rocket growth settlement ledger, which
// takes the range already dashed.
func (w *Workflow) fetchRocketGrowth(ctx context.Context, startYM, endYM string) ([]schemas.VatReport, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Origin":       w.deps.Portals.WingBaseURL,
		"Referer":      w.wingURL(rocketRefererPath),
	}
	rawURL := fmt.Sprintf("%s?fromYearMonth=%s&toYearMonth=%s", w.wingURL(rocketSearchPath), startYM, endYM)
	body, status, err := w.deps.Driver.Get(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("rocket growth search returned %d", status)
	}

	var res struct {
		VatResponseAggregatedDtos []map[string]any `json:"vatResponseAggregatedDtos"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode rocket growth search: %w", err)
	}

	reports := make([]schemas.VatReport, 0, len(res.VatResponseAggregatedDtos))
	for _, row := range res.VatResponseAggregatedDtos {
		ym, _ := row["yearMonth"].(string)
		normalized, err := portal.NormalizeYM(ym)
		if err != nil {
			w.log.Warn("skipping rocket growth row with bad yearMonth", zap.String("yearMonth", ym))
			continue
		}
		reports = append(reports, schemas.VatReport{
			Source:  "rocket-growth",
			YM:      normalized,
			Amounts: numericFields(row, "yearMonth"),
		})
	}
	return reports, nil
}

// numericFields collects the numeric columns of a report row, skipping
// the named non amount keys. JSON numbers arrive as float64; settlement
// amounts are whole won so the truncation is lossless in practice.
func numericFields(row map[string]any, skip ...string) map[string]int64 {
	skipped := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipped[k] = true
	}
	out := make(map[string]int64)
	for k, v := range row {
		if skipped[k] {
			continue
		}
		if f, ok := v.(float64); ok {
			out[k] = int64(f)
		}
	}
	return out
}
