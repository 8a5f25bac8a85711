package fixedpoint

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func wadGen() *rapid.Generator[*uint256.Int] {
	return rapid.Custom(func(t *rapid.T) *uint256.Int {
		hi := rapid.Uint64Range(0, 1<<40).Draw(t, "hi")
		lo := rapid.Uint64().Draw(t, "lo")
		v := new(uint256.Int).Lsh(uint256.NewInt(hi), 64)
		v.Or(v, uint256.NewInt(lo))
		if v.IsZero() {
			v.SetOne()
		}
		return v
	})
}

func TestDeviationBpsScenario(t *testing.T) {
	ref := MustParseWAD("1.000000")
	now := MustParseWAD("1.150000")
	got, err := DeviationBps(now, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1500 {
		t.Fatalf("expected 1500 bps, got %d", got)
	}
	threshold, _ := ThresholdBps(5)
	if !Exceeds(got, threshold) {
		t.Fatalf("expected %d to exceed %d", got, threshold)
	}
}

func TestDeviationBpsEdgeCases(t *testing.T) {
	if _, err := DeviationBps(WAD(), uint256.NewInt(0)); !errors.Is(err, ErrZeroReference) {
		t.Fatalf("expected ErrZeroReference, got %v", err)
	}
	got, err := DeviationBps(uint256.NewInt(0), WAD())
	if err != nil || got != 0 {
		t.Fatalf("expected 0 for zero price, got %d (%v)", got, err)
	}
	max := new(uint256.Int).SetAllOne()
	got, err = DeviationBps(max, new(uint256.Int).Rsh(max, 1))
	if err != nil {
		t.Fatalf("wide operands should not overflow: %v", err)
	}
	if got != 10000 {
		t.Fatalf("expected 10000 bps, got %d", got)
	}
}

// scaledGen draws a reference and a second price within 100x of it so the
// bps result always fits a uint64.
func scaledGen(t *rapid.T) (*uint256.Int, *uint256.Int) {
	ref := wadGen().Draw(t, "ref")
	k := rapid.Uint64Range(0, 100_000).Draw(t, "k")
	now, err := MulDiv(ref, uint256.NewInt(k), uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	return now, ref
}

func TestDeviationBpsSelfIsZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := wadGen().Draw(t, "x")
		got, err := DeviationBps(x, x)
		if err != nil || got != 0 {
			t.Fatalf("deviation(x, x) = %d (%v)", got, err)
		}
	})
}

func TestDeviationBpsSymmetricAroundReference(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := wadGen().Draw(t, "ref")
		delta := rapid.Uint64Range(0, 1<<62).Draw(t, "delta")
		if ref.Cmp(uint256.NewInt(delta)) <= 0 {
			return
		}
		up := new(uint256.Int).AddUint64(ref, delta)
		down := new(uint256.Int).SubUint64(ref, delta)
		upBps, err := DeviationBps(up, ref)
		if err != nil {
			t.Fatalf("up: %v", err)
		}
		downBps, err := DeviationBps(down, ref)
		if err != nil {
			t.Fatalf("down: %v", err)
		}
		if upBps != downBps {
			t.Fatalf("expected symmetric deviation, got %d and %d", upBps, downBps)
		}
	})
}

func TestThresholdAndBoundsProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pct := rapid.Uint64Range(0, 100).Draw(t, "pct")
		ref := wadGen().Draw(t, "ref")
		th, err := ThresholdBps(pct)
		if err != nil || th != pct*100 {
			t.Fatalf("threshold(%d) = %d (%v)", pct, th, err)
		}
		lower, upper, err := PriceBounds(ref, pct)
		if err != nil {
			t.Fatalf("bounds: %v", err)
		}
		if lower.Gt(ref) || ref.Gt(upper) {
			t.Fatalf("expected %s <= %s <= %s", lower.Dec(), ref.Dec(), upper.Dec())
		}
	})
}

func TestThresholdRejectsAboveHundred(t *testing.T) {
	if _, err := ThresholdBps(101); !errors.Is(err, ErrPercentOutOfRange) {
		t.Fatalf("expected ErrPercentOutOfRange, got %v", err)
	}
	if _, _, err := PriceBounds(WAD(), 101); !errors.Is(err, ErrPercentOutOfRange) {
		t.Fatalf("expected ErrPercentOutOfRange, got %v", err)
	}
}

func TestPriceBoundsFivePercent(t *testing.T) {
	lower, upper, err := PriceBounds(MustParseWAD("2"), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FormatWAD(upper) != "2.1" {
		t.Fatalf("expected upper 2.1, got %s", FormatWAD(upper))
	}
	if FormatWAD(lower) != "1.904761904761904761" {
		t.Fatalf("unexpected lower %s", FormatWAD(lower))
	}
}

func TestAdvisoryReplicaAgrees(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now, ref := scaledGen(t)
		bpsVal, err := DeviationBps(now, ref)
		if err != nil {
			t.Fatalf("bps: %v", err)
		}
		pct, err := DeviationPct(now, ref)
		if err != nil {
			t.Fatalf("pct: %v", err)
		}
		floored := pct.Mul(decimal.NewFromInt(100)).Floor()
		if !floored.Equal(decimal.NewFromInt(int64(bpsVal))) {
			t.Fatalf("advisory %s%% disagrees with %d bps", pct.String(), bpsVal)
		}
	})
}

func TestParseFormatWAD(t *testing.T) {
	cases := map[string]string{
		"1":                    "1",
		"1.150000":             "1.15",
		"0.000000000000000001": "0.000000000000000001",
		".5":                   "0.5",
	}
	for in, want := range cases {
		v, err := ParseWAD(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got := FormatWAD(v); got != want {
			t.Fatalf("format(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseWAD("1.0000000000000000001"); err == nil {
		t.Fatalf("expected error for 19 decimals")
	}
	if _, err := ParseWAD("-1"); err == nil {
		t.Fatalf("expected error for negative input")
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1234.5678")
	v, err := FromDecimal(d)
	if err != nil {
		t.Fatalf("from decimal: %v", err)
	}
	if !ToDecimal(v).Equal(d) {
		t.Fatalf("expected %s, got %s", d, ToDecimal(v))
	}
	if _, err := FromDecimal(decimal.NewFromInt(-1)); err == nil {
		t.Fatalf("expected error for negative decimal")
	}
}
