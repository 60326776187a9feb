// File: internal/portal/dates.go
package portal

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	compactYM = regexp.MustCompile(`^(\d{4})(\d{2})$`)
	dashedYM  = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

// DefaultRange returns the half year reporting window implied by now.
// Through May the prior calendar year is still the settlement target,
// so the window is Jan..Dec of the prior year; from June onward it is
// Jan..Jun of the current year.
func DefaultRange(now time.Time) (startYM, endYM string) {
	y, m := now.Year(), int(now.Month())
	if m <= 5 {
		return fmt.Sprintf("%d01", y-1), fmt.Sprintf("%d12", y-1)
	}
	return fmt.Sprintf("%d01", y), fmt.Sprintf("%d06", y)
}

// NormalizeYM accepts YYYYMM or YYYY-MM and returns the dashed form.
func NormalizeYM(ym string) (string, error) {
	if m := dashedYM.FindStringSubmatch(ym); m != nil {
		if ok := validMonth(m[2]); !ok {
			return "", fmt.Errorf("invalid month in %q", ym)
		}
		return ym, nil
	}
	if m := compactYM.FindStringSubmatch(ym); m != nil {
		if ok := validMonth(m[2]); !ok {
			return "", fmt.Errorf("invalid month in %q", ym)
		}
		return m[1] + "-" + m[2], nil
	}
	return "", fmt.Errorf("invalid year month %q, want YYYYMM or YYYY-MM", ym)
}

// CompactYM strips the dash back out for portals that take YYYYMM.
func CompactYM(ym string) string {
	if m := dashedYM.FindStringSubmatch(ym); m != nil {
		return m[1] + m[2]
	}
	return ym
}

func validMonth(mm string) bool {
	n, err := strconv.Atoi(mm)
	return err == nil && n >= 1 && n <= 12
}

// Half identifies one VAT declaration period.
type Half struct {
	Year int
	Half int // 1 for Jan..Jun, 2 for Jul..Dec
}

// Halves expands a normalized YYYY-MM range into the declaration
// periods it touches, in order.
func Halves(startYM, endYM string) ([]Half, error) {
	sy, sh, err := halfOf(startYM)
	if err != nil {
		return nil, err
	}
	ey, eh, err := halfOf(endYM)
	if err != nil {
		return nil, err
	}
	if sy > ey || (sy == ey && sh > eh) {
		return nil, fmt.Errorf("range start %s after end %s", startYM, endYM)
	}
	var out []Half
	for y, h := sy, sh; y < ey || (y == ey && h <= eh); {
		out = append(out, Half{Year: y, Half: h})
		if h == 1 {
			h = 2
		} else {
			h = 1
			y++
		}
	}
	return out, nil
}

// MonthsBetween lists every YYYY-MM from startYM through endYM.
func MonthsBetween(startYM, endYM string) ([]string, error) {
	sy, sm, err := splitYM(startYM)
	if err != nil {
		return nil, err
	}
	ey, em, err := splitYM(endYM)
	if err != nil {
		return nil, err
	}
	if sy > ey || (sy == ey && sm > em) {
		return nil, fmt.Errorf("range start %s after end %s", startYM, endYM)
	}
	var out []string
	for y, m := sy, sm; y < ey || (y == ey && m <= em); {
		out = append(out, fmt.Sprintf("%04d-%02d", y, m))
		m++
		if m > 12 {
			m = 1
			y++
		}
	}
	return out, nil
}

func halfOf(ym string) (year, half int, err error) {
	y, m, err := splitYM(ym)
	if err != nil {
		return 0, 0, err
	}
	if m <= 6 {
		return y, 1, nil
	}
	return y, 2, nil
}

func splitYM(ym string) (year, month int, err error) {
	m := dashedYM.FindStringSubmatch(ym)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid year month %q, want YYYY-MM", ym)
	}
	year, _ = strconv.Atoi(m[1])
	month, _ = strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid month in %q", ym)
	}
	return year, month, nil
}
