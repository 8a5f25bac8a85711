package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	MinTick = -887272
	MaxTick = 887272

	maxTokenDecimals = 36
)

var ErrTickOutOfRange = errors.New("fixedpoint: tick out of range")

var (
	q128        = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	q64         = new(uint256.Int).Lsh(uint256.NewInt(1), 64)
	lowMask32   = uint256.NewInt(0xffffffff)
	maxUint256  = new(uint256.Int).SetAllOne()
	oddTickBase = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
)

// tickFactors[i] is sqrt(1.0001)^-(2^(i+1)) in Q128.
var tickFactors = []*uint256.Int{
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

func ClampTick(tick int64) int64 {
	if tick < MinTick {
		return MinTick
	}
	if tick > MaxTick {
		return MaxTick
	}
	return tick
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value, rounded up,
// using the same integer steps as the AMM so results match bit for bit.
func SqrtRatioAtTick(tick int64) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	absTick := uint64(tick)
	if tick < 0 {
		absTick = uint64(-tick)
	}
	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(oddTickBase)
	} else {
		ratio.Set(q128)
	}
	for i, factor := range tickFactors {
		if absTick&(uint64(2)<<uint(i)) != 0 {
			ratio.Mul(ratio, factor)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}
	rem := new(uint256.Int).And(ratio, lowMask32)
	out := new(uint256.Int).Rsh(ratio, 32)
	if !rem.IsZero() {
		out.AddUint64(out, 1)
	}
	return out, nil
}

// PriceAtTick converts a tick into a WAD price of token0 quoted in token1,
// adjusted for the tokens' decimal counts. Prices above the uint256 range
// saturate at its maximum.
func PriceAtTick(tick int64, decimals0, decimals1 uint8) (*uint256.Int, error) {
	if decimals0 > maxTokenDecimals || decimals1 > maxTokenDecimals {
		return nil, fmt.Errorf("%w: token decimals above %d", ErrInvalidAmount, maxTokenDecimals)
	}
	sqrtP, err := SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	// sqrtP^2 / 2^64 is the raw price in Q128.
	ratioX128, err := MulDiv(sqrtP, sqrtP, q64)
	if err != nil {
		return nil, err
	}
	exp := int(Decimals) + int(decimals0) - int(decimals1)
	var price *uint256.Int
	if exp >= 0 {
		price, err = MulDiv(ratioX128, pow10(uint(exp)), q128)
		if errors.Is(err, ErrOverflow) {
			return new(uint256.Int).Set(maxUint256), nil
		}
	} else {
		price, err = MulDiv(ratioX128, uint256.NewInt(1), q128)
		if err == nil {
			price.Div(price, pow10(uint(-exp)))
		}
	}
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: zero price at tick %d", ErrOverflow, tick)
	}
	return price, nil
}

func pow10(n uint) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// TickAtPrice returns the greatest tick whose PriceAtTick does not exceed
// price.
func TickAtPrice(price *uint256.Int, decimals0, decimals1 uint8) (int64, error) {
	if price == nil || price.IsZero() {
		return 0, fmt.Errorf("%w: zero price", ErrInvalidAmount)
	}
	lo, hi := int64(MinTick), int64(MaxTick)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		p, err := PriceAtTick(mid, decimals0, decimals1)
		var below bool
		switch {
		case err == nil:
			below = !p.Gt(price)
		case errors.Is(err, ErrOverflow):
			// zero prices sit at the bottom of the range
			below = true
		default:
			return 0, err
		}
		if below {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}
