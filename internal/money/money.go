// Package money converts between display-formatted monetary strings and
// exact decimal amounts.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Display strings follow a Locale (currency symbol, decimal separator,
// thousands separator); the storefront default is Brazilian real
// ("R$ 1.234,56").
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for display amounts.
const Scale int32 = 2

var ErrInvalidAmount = errors.New("money: invalid amount")

// Locale describes how amounts are rendered for display.
type Locale struct {
	Symbol    string // currency prefix, e.g. "R$"; empty for none
	Decimal   string // decimal separator
	Thousands string // digit group separator; empty disables grouping
}

var (
	// BRL is the storefront's display convention: "R$ 1.234,56".
	BRL = Locale{Symbol: "R$", Decimal: ",", Thousands: "."}

	// Plain is BRL without a currency prefix: "1.234,56".
	Plain = Locale{Decimal: ",", Thousands: "."}
)

// WithSymbol returns a copy of l using the given currency prefix.
func (l Locale) WithSymbol(symbol string) Locale {
	l.Symbol = symbol
	return l
}

// Parse interprets a display string in this locale. The currency symbol,
// surrounding whitespace (including non-breaking spaces) and thousands
// separators are ignored; anything else that is not a digit or the
// decimal separator is rejected.
func (l Locale) Parse(display string) (decimal.Decimal, error) {
	s := strings.TrimSpace(strings.ReplaceAll(display, "\u00a0", " "))

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	if l.Symbol != "" {
		s = strings.TrimSpace(strings.TrimPrefix(s, l.Symbol))
	}
	if !neg && strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}

	if l.Thousands != "" && l.Thousands != l.Decimal {
		s = strings.ReplaceAll(s, l.Thousands, "")
	}
	if l.Decimal != "" && l.Decimal != "." {
		s = strings.ReplaceAll(s, l.Decimal, ".")
	}

	dots := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
			dots++
		default:
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
		}
	}
	if dots > 1 || s == "." {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	if neg {
		v = v.Neg()
	}
	return v, nil
}

// Format renders v with two fractional digits (half away from zero),
// grouped thousands and the currency prefix.
func (l Locale) Format(v decimal.Decimal) string {
	v = v.Round(Scale)
	neg := v.IsNegative()

	fixed := v.Abs().StringFixed(Scale)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	if l.Symbol != "" {
		b.WriteString(l.Symbol)
		b.WriteByte(' ')
	}
	b.WriteString(group(intPart, l.Thousands))
	b.WriteString(l.Decimal)
	b.WriteString(frac)
	return b.String()
}

// group inserts sep between every three digits counted from the right.
func group(digits, sep string) string {
	if sep == "" || len(digits) <= 3 {
		return digits
	}
	head := len(digits) % 3
	if head == 0 {
		head = 3
	}
	var b strings.Builder
	b.WriteString(digits[:head])
	for i := head; i < len(digits); i += 3 {
		b.WriteString(sep)
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// ParseAmount parses a BRL display string.
func ParseAmount(display string) (decimal.Decimal, error) {
	return BRL.Parse(display)
}

// FormatAmount renders v as a BRL display string.
func FormatAmount(v decimal.Decimal) string {
	return BRL.Format(v)
}
