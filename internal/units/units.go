// Package units converts between human-readable UNIT amounts and base units.
//
// One UNIT is 10^12 base units. Base units are held as 256-bit unsigned
// integers; the decimal form is what crosses the HTTP and MCP boundaries.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits in one UNIT.
const Decimals = 12

// Symbol is the optional suffix accepted by Parse ("10000 UNIT").
const Symbol = "UNIT"

var ErrInvalidAmount = errors.New("units: invalid amount")

// Parse converts a decimal string (e.g. "1.5" or "1.5 UNIT") to base units.
//
// Rules:
//   - Empty strings and negative amounts are rejected
//   - More than 12 fractional digits is rejected, never truncated
//   - Results that do not fit in 256 bits are rejected
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(Symbol) && strings.EqualFold(s[len(s)-len(Symbol):], Symbol) {
		s = strings.TrimSpace(s[:len(s)-len(Symbol)])
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}

	base := d.Shift(Decimals)
	if !base.IsInteger() {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}

	v, overflow := uint256.FromBig(base.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: exceeds 256 bits", ErrInvalidAmount)
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseBase parses an integer amount already expressed in base units.
func ParseBase(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// Format renders base units as a UNIT decimal without trailing zeros
// ("1.5", "1000", "0.000000000001").
func Format(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals).String()
}

// Float returns an approximate UNIT value, for gauges only.
func Float(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v.ToBig(), -Decimals).Float64()
	return f
}
