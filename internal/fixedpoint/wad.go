// Package fixedpoint holds the unsigned 18-decimal arithmetic shared by the
// ledger, the oracle and the advisory payloads sent to the decision service.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const Decimals = 18

var (
	ErrOverflow      = errors.New("fixedpoint: overflow")
	ErrDivByZero     = errors.New("fixedpoint: division by zero")
	ErrInvalidAmount = errors.New("fixedpoint: invalid amount")
)

var (
	wad   = uint256.NewInt(1_000_000_000_000_000_000)
	bps   = uint256.NewInt(10_000)
	hundr = uint256.NewInt(100)
)

func WAD() *uint256.Int {
	return new(uint256.Int).Set(wad)
}

func FromUint(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wad)
}

// MulDiv computes x*y/d with a 512-bit intermediate product, truncating.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ParseWAD parses a non-negative decimal string such as "1.15" into WAD
// units. More than 18 fractional digits is rejected rather than rounded.
func ParseWAD(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, Decimals)
	}
	intPart, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	out, overflow := new(uint256.Int).MulOverflow(intPart, wad)
	if overflow {
		return nil, ErrOverflow
	}
	if frac != "" {
		fracPart, err := uint256.FromDecimal(frac + strings.Repeat("0", Decimals-len(frac)))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
		}
		if _, overflow := out.AddOverflow(out, fracPart); overflow {
			return nil, ErrOverflow
		}
	}
	return out, nil
}

func MustParseWAD(s string) *uint256.Int {
	v, err := ParseWAD(s)
	if err != nil {
		panic(err)
	}
	return v
}

func FormatWAD(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(x, wad, r)
	if r.IsZero() {
		return q.Dec()
	}
	frac := r.Dec()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative %s", ErrInvalidAmount, d.String())
	}
	scaled := d.Shift(Decimals).Truncate(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}
