package commission

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency is an ISO 4217 code. Only the minor-unit exponent matters to the
// engine; there is no conversion between currencies.
type Currency string

const (
	CurrencyTWD Currency = "TWD"
	CurrencyUSD Currency = "USD"
)

// Storefront payments settle TWD in whole dollars, so it is listed as 0.
var minorUnits = map[Currency]int32{
	"TWD": 0,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"HKD": 2,
	"SGD": 2,
	"AUD": 2,
	"CAD": 2,
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

// MinorUnit returns the number of decimal places used by the currency.
// Unknown currencies default to 2.
func (c Currency) MinorUnit() int32 {
	if places, ok := minorUnits[c]; ok {
		return places
	}
	return 2
}

func (c Currency) String() string { return string(c) }

// =============================================================================
// MONEY
// =============================================================================

// Money is a decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

func NewMoney(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// ParseMoney parses a decimal string such as "1250.50".
func ParseMoney(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", amount)}
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustMoney is for tests and fixed constants.
func MustMoney(amount string, currency Currency) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney(currency Currency) Money { return Money{Amount: decimal.Zero, Currency: currency} }

func (m Money) Zero() Money               { return Money{Amount: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money         { return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency} }
func (m Money) Sub(o Money) Money         { return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency} }
func (m Money) Neg() Money                { return Money{Amount: m.Amount.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool              { return m.Amount.IsZero() }
func (m Money) IsPositive() bool          { return m.Amount.IsPositive() }
func (m Money) IsNegative() bool          { return m.Amount.IsNegative() }
func (m Money) GreaterThan(o Money) bool  { return m.Amount.GreaterThan(o.Amount) }
func (m Money) LessThan(o Money) bool     { return m.Amount.LessThan(o.Amount) }
func (m Money) Equal(o Money) bool        { return m.Currency == o.Currency && m.Amount.Equal(o.Amount) }
func (m Money) String() string            { return m.Amount.StringFixed(m.Currency.MinorUnit()) + " " + string(m.Currency) }
func (m Money) StringFixed() string       { return m.Amount.StringFixed(m.Currency.MinorUnit()) }

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money {
	if m.Amount.IsNegative() {
		return m.Zero()
	}
	return m
}

// Round rounds to the currency's minor unit, half away from zero.
// For the non-negative amounts the engine pays out this is round-half-up.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(m.Currency.MinorUnit()), Currency: m.Currency}
}

// =============================================================================
// COMMISSION ARITHMETIC
// =============================================================================

// ComputeCommission returns round(total × rate) in the total's minor unit.
//
//	1000 TWD × 0.10 = 100 TWD
//	 999 TWD × 0.10 =  99.9 → 100 TWD
func ComputeCommission(total Money, rate decimal.Decimal) Money {
	return Money{Amount: total.Amount.Mul(rate), Currency: total.Currency}.Round()
}

// ValidateRate checks a commission rate is a fraction in [0, 1].
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "commission_rate", Reason: "must be between 0 and 1, got " + rate.String()}
	}
	return nil
}

// SumMoney adds amounts; an empty slice sums to zero in the given currency.
func SumMoney(currency Currency, amounts ...Money) Money {
	total := ZeroMoney(currency)
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
