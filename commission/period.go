package commission

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Settlement period (calendar month, UTC)
// =============================================================================

// Period is a calendar month. Settlements are keyed by (affiliate, period).
//
// Examples:
//   - "2025-03": March 1 00:00 UTC up to (not including) April 1 00:00 UTC
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Reason: fmt.Sprintf("expected YYYY-MM, got %q", s)}
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// Start is the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant after the period (exclusive bound).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Contains returns true if t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.End())
}

func (p Period) Next() Period     { return PeriodOf(p.End()) }
func (p Period) Previous() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }
func (p Period) IsZero() bool     { return p.Year == 0 }

func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// PreviousMonth is the period the monthly batch settles when run at now.
func PreviousMonth(now time.Time) Period {
	return PeriodOf(now).Previous()
}
