// Package amount parses and formats wallet amounts. Amounts are whole,
// non-negative units that fit in a uint64.
package amount

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Units is a whole number of wallet units.
type Units uint64

var maxUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// Parse reads a decimal string such as "60", "1e3" or "60.0". Fractional,
// negative and out of range values are rejected.
func Parse(s string) (Units, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts d to Units.
func FromDecimal(d decimal.Decimal) (Units, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %s: negative", d)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %s: fractional units", d)
	}
	if d.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("invalid amount %s: exceeds %d", d, uint64(math.MaxUint64))
	}
	return Units(d.BigInt().Uint64()), nil
}

// Decimal returns u as a decimal.
func (u Units) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(u)), 0)
}

func (u Units) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// MarshalJSON encodes u as a string so values above 2^53 survive JSON
// clients that decode numbers as floats.
func (u Units) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (u *Units) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
