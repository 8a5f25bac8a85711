package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrZeroReference     = errors.New("fixedpoint: reference price is zero")
	ErrPercentOutOfRange = errors.New("fixedpoint: percent must be within [0, 100]")
)

// advisoryPrecision is the number of fractional digits kept by the decimal
// replica. Truncation at this precision keeps floor(pct*100) equal to the
// integer bps result.
const advisoryPrecision = 8

func DeviationBps(now, ref *uint256.Int) (uint64, error) {
	if ref == nil || ref.IsZero() {
		return 0, ErrZeroReference
	}
	if now == nil || now.IsZero() {
		return 0, nil
	}
	diff := absDiff(now, ref)
	out, err := MulDiv(diff, bps, ref)
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

func ThresholdBps(pct uint64) (uint64, error) {
	if pct > 100 {
		return 0, fmt.Errorf("%w: %d", ErrPercentOutOfRange, pct)
	}
	return pct * 100, nil
}

func PriceBounds(ref *uint256.Int, pct uint64) (lower, upper *uint256.Int, err error) {
	if ref == nil {
		return nil, nil, ErrZeroReference
	}
	if pct > 100 {
		return nil, nil, fmt.Errorf("%w: %d", ErrPercentOutOfRange, pct)
	}
	factor := new(uint256.Int).Mul(uint256.NewInt(pct), wad)
	factor.Div(factor, hundr)
	factor.Add(factor, wad)
	upper, err = MulDiv(ref, factor, wad)
	if err != nil {
		return nil, nil, err
	}
	lower, err = MulDiv(ref, wad, factor)
	if err != nil {
		return nil, nil, err
	}
	return lower, upper, nil
}

func Exceeds(deviationBps, thresholdBps uint64) bool {
	return deviationBps > thresholdBps
}

func DeviationPct(now, ref *uint256.Int) (decimal.Decimal, error) {
	if ref == nil || ref.IsZero() {
		return decimal.Zero, ErrZeroReference
	}
	if now == nil || now.IsZero() {
		return decimal.Zero, nil
	}
	diff := ToDecimal(absDiff(now, ref)).Mul(decimal.NewFromInt(100))
	q, _ := diff.QuoRem(ToDecimal(ref), advisoryPrecision)
	return q, nil
}

func WithinBounds(deviationPct, thresholdPct decimal.Decimal) bool {
	return deviationPct.LessThanOrEqual(thresholdPct)
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}
