package fixedpoint

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"pgregory.net/rapid"
)

func TestSqrtRatioAtTickKnownValues(t *testing.T) {
	cases := map[int64]string{
		0:       "79228162514264337593543950336",
		MinTick: "4295128739",
		MaxTick: "1461446703485210103287273052203988822378723970342",
	}
	for tick, want := range cases {
		got, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if got.Dec() != want {
			t.Fatalf("tick %d: expected %s, got %s", tick, want, got.Dec())
		}
	}
	if _, err := SqrtRatioAtTick(MaxTick + 1); !errors.Is(err, ErrTickOutOfRange) {
		t.Fatalf("expected ErrTickOutOfRange, got %v", err)
	}
}

func TestPriceAtTick(t *testing.T) {
	price, err := PriceAtTick(0, 18, 18)
	if err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	// Rounding up of the sqrt ratio leaves the result within a wei of 1.
	if diff := absDiff(price, WAD()); diff.GtUint64(1) {
		t.Fatalf("expected ~1 WAD at tick 0, got %s", FormatWAD(price))
	}

	ten, err := PriceAtTick(23028, 18, 18)
	if err != nil {
		t.Fatalf("tick 23028: %v", err)
	}
	bps, err := DeviationBps(ten, FromUint(10))
	if err != nil {
		t.Fatalf("deviation: %v", err)
	}
	if bps > 10 {
		t.Fatalf("expected ~10 WAD at tick 23028, got %s", FormatWAD(ten))
	}

	scaled, err := PriceAtTick(0, 18, 6)
	if err != nil {
		t.Fatalf("decimals: %v", err)
	}
	want := new(uint256.Int).Mul(WAD(), pow10(12))
	bps, err = DeviationBps(scaled, want)
	if err != nil || bps != 0 {
		t.Fatalf("expected 1e12 WAD, got %s (%v)", FormatWAD(scaled), err)
	}
}

func TestPriceAtTickMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(-400000, 400000).Draw(t, "a")
		b := rapid.Int64Range(-400000, 400000).Draw(t, "b")
		if a == b {
			return
		}
		if a > b {
			a, b = b, a
		}
		pa, err := SqrtRatioAtTick(a)
		if err != nil {
			t.Fatalf("tick %d: %v", a, err)
		}
		pb, err := SqrtRatioAtTick(b)
		if err != nil {
			t.Fatalf("tick %d: %v", b, err)
		}
		if !pa.Lt(pb) {
			t.Fatalf("expected sqrt(%d) < sqrt(%d)", a, b)
		}
	})
}

func TestClampTick(t *testing.T) {
	if ClampTick(MinTick-5) != MinTick || ClampTick(MaxTick+5) != MaxTick || ClampTick(7) != 7 {
		t.Fatalf("unexpected clamp result")
	}
}

func TestTickAtPriceInvertsPriceAtTick(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tick := rapid.Int64Range(-200_000, 200_000).Draw(t, "tick")
		price, err := PriceAtTick(tick, 18, 18)
		if err != nil {
			t.Fatalf("price at %d: %v", tick, err)
		}
		got, err := TickAtPrice(price, 18, 18)
		if err != nil {
			t.Fatalf("tick at price: %v", err)
		}
		if got != tick {
			t.Fatalf("expected tick %d, got %d", tick, got)
		}
	})
}

func TestTickAtPriceRejectsZero(t *testing.T) {
	if _, err := TickAtPrice(new(uint256.Int), 18, 18); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPriceAtTickSaturatesAtTop(t *testing.T) {
	top, err := PriceAtTick(MaxTick, 18, 18)
	if err != nil {
		t.Fatalf("max tick: %v", err)
	}
	below, err := PriceAtTick(MaxTick-1, 18, 18)
	if err != nil {
		t.Fatalf("max tick - 1: %v", err)
	}
	if !below.Lt(top) {
		t.Fatalf("expected price to grow up to the max tick")
	}

	// 36 decimals on token0 against 0 on token1 scales past 256 bits.
	skewed, err := PriceAtTick(ClampTick(MaxTick+100), 36, 0)
	if err != nil {
		t.Fatalf("clamped tick should price, got %v", err)
	}
	if !skewed.Eq(maxUint256) {
		t.Fatalf("expected saturated price, got %s", skewed)
	}
	tick, err := TickAtPrice(maxUint256, 36, 0)
	if err != nil {
		t.Fatalf("tick at saturated price: %v", err)
	}
	if tick != MaxTick {
		t.Fatalf("expected max tick, got %d", tick)
	}
}
