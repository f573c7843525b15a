package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidNairaAmount = errors.New("amount must be a non-negative naira value with at most two decimal places")

var (
	koboPerNaira = decimal.NewFromInt(100)
	maxKobo      = decimal.NewFromInt(math.MaxInt64)
)

// ParseNaira converts a decimal naira string such as "5000" or "5,000.50" to kobo.
func ParseNaira(raw string) (int64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	clean = strings.TrimPrefix(clean, "₦")
	if clean == "" {
		return 0, ErrInvalidNairaAmount
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNairaAmount, raw)
	}
	if d.IsNegative() || !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNairaAmount, raw)
	}
	kobo := d.Mul(koboPerNaira)
	if kobo.GreaterThan(maxKobo) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidNairaAmount, raw)
	}
	return kobo.IntPart(), nil
}

// FormatNaira renders kobo as a naira amount with thousands separators, e.g. "₦5,020.00".
func FormatNaira(kobo int64) string {
	s := decimal.New(kobo, -2).StringFixed(2)
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "₦" + b.String() + "." + frac
	if negative {
		return "-" + out
	}
	return out
}
