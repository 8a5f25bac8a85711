package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"pgregory.net/rapid"
)

func wad(s string) *uint256.Int {
	return fixedpoint.MustParseWAD(s)
}

func TestBufferOverwritesOldestFirst(t *testing.T) {
	buf, err := NewBuffer(3)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		if err := buf.Push(Sample{Timestamp: i * 10, Price: fixedpoint.FromUint(uint64(i))}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if buf.Len() != 3 {
		t.Fatalf("expected 3 samples, got %d", buf.Len())
	}
	if got := buf.At(0).Timestamp; got != 30 {
		t.Fatalf("expected oldest ts 30, got %d", got)
	}
	last, _ := buf.Latest()
	if last.Timestamp != 50 {
		t.Fatalf("expected latest ts 50, got %d", last.Timestamp)
	}
}

func TestBufferRejectsInvalidSamples(t *testing.T) {
	if _, err := NewBuffer(0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	buf, _ := NewBuffer(2)
	if err := buf.Push(Sample{Timestamp: 1, Price: uint256.NewInt(0)}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected zero price rejection, got %v", err)
	}
	_ = buf.Push(Sample{Timestamp: 10, Price: wad("1")})
	if err := buf.Push(Sample{Timestamp: 10, Price: wad("1")}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected non-monotonic rejection, got %v", err)
	}
}

func TestBufferTWAPClipsToWindow(t *testing.T) {
	buf, _ := NewBuffer(8)
	_ = buf.Push(Sample{Timestamp: 0, Price: wad("1")})
	_ = buf.Push(Sample{Timestamp: 100, Price: wad("2")})
	_ = buf.Push(Sample{Timestamp: 150, Price: wad("4")})

	// window [50, 200]: price 1 for 50s, 2 for 50s, 4 for 50s.
	got, err := buf.TWAP(200, 150)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	want := wad("2.333333333333333333")
	if !got.Eq(want) {
		t.Fatalf("expected %s, got %s", fixedpoint.FormatWAD(want), fixedpoint.FormatWAD(got))
	}

	got, err = buf.TWAP(200, 40)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if !got.Eq(wad("4")) {
		t.Fatalf("expected 4, got %s", fixedpoint.FormatWAD(got))
	}
}

func TestBufferTWAPUnavailable(t *testing.T) {
	buf, _ := NewBuffer(2)
	if _, err := buf.TWAP(100, 60); err == nil {
		t.Fatalf("expected error on empty buffer")
	}
	_ = buf.Push(Sample{Timestamp: 100, Price: wad("1")})
	if _, err := buf.TWAP(100, 60); err == nil {
		t.Fatalf("expected error on zero elapsed time")
	}
}

func TestBufferTWAPBoundedBySamples(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		buf, _ := NewBuffer(rapid.IntRange(1, 25).Draw(t, "cap"))
		ts := int64(0)
		for i := 0; i < n; i++ {
			ts += rapid.Int64Range(1, 600).Draw(t, "dt")
			price := rapid.Uint64Range(1, 1<<50).Draw(t, "price")
			_ = buf.Push(Sample{Timestamp: ts, Price: uint256.NewInt(price)})
		}
		now := ts + rapid.Int64Range(1, 600).Draw(t, "tail")
		got, err := buf.TWAP(now, rapid.Int64Range(1, 20000).Draw(t, "window"))
		if err != nil {
			t.Fatalf("twap: %v", err)
		}
		lo, hi := buf.At(0).Price, buf.At(0).Price
		for i := 1; i < buf.Len(); i++ {
			p := buf.At(i).Price
			if p.Lt(lo) {
				lo = p
			}
			if p.Gt(hi) {
				hi = p
			}
		}
		if got.Lt(lo) || got.Gt(hi) {
			t.Fatalf("twap %s outside [%s, %s]", got.Dec(), lo.Dec(), hi.Dec())
		}
	})
}

func TestBufferMsgpackRoundTrip(t *testing.T) {
	buf, _ := NewBuffer(2)
	_ = buf.Push(Sample{Timestamp: 1, Price: wad("1.5")})
	_ = buf.Push(Sample{Timestamp: 2, Price: wad("1.6")})
	_ = buf.Push(Sample{Timestamp: 3, Price: wad("1.7")})
	data, err := buf.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := DecodeBuffer(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.Cap() != 2 || restored.Len() != 2 {
		t.Fatalf("unexpected shape cap=%d len=%d", restored.Cap(), restored.Len())
	}
	if !restored.At(0).Price.Eq(wad("1.6")) || restored.At(1).Timestamp != 3 {
		t.Fatalf("unexpected restored samples")
	}
}

func TestLocalSourceTWAP(t *testing.T) {
	now := time.Unix(1_000, 0)
	src := NewLocalSource(func() time.Time { return now })
	pool := PoolRef{ID: "eth-usdc", Mode: ModeLocal}
	if _, err := src.TWAP(context.Background(), pool, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unregistered pool, got %v", err)
	}
	if err := src.Register(pool.ID, 4); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := src.Push(pool.ID, Sample{Timestamp: 900, Price: wad("1.15")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := src.TWAP(context.Background(), pool, time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if !got.Eq(wad("1.15")) {
		t.Fatalf("expected 1.15, got %s", fixedpoint.FormatWAD(got))
	}
	spot, err := src.Spot(context.Background(), pool)
	if err != nil || !spot.Eq(wad("1.15")) {
		t.Fatalf("unexpected spot %v (%v)", spot, err)
	}
}

type fakeObserver struct {
	cumulatives []*big.Int
	err         error
	calls       int
	lastAgos    []uint32
}

func (f *fakeObserver) Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error) {
	_ = ctx
	_ = pool
	f.calls++
	f.lastAgos = secondsAgos
	return f.cumulatives, f.err
}

func TestAverageTickRoundsTowardNegativeInfinity(t *testing.T) {
	cases := []struct {
		delta  int64
		window int64
		want   int64
	}{
		{delta: 600, window: 60, want: 10},
		{delta: 601, window: 60, want: 10},
		{delta: -600, window: 60, want: -10},
		{delta: -601, window: 60, want: -11},
		{delta: 1 << 40, window: 1, want: fixedpoint.MaxTick},
	}
	for _, tc := range cases {
		got, err := AverageTick([]*big.Int{big.NewInt(0), big.NewInt(tc.delta)}, tc.window)
		if err != nil {
			t.Fatalf("delta %d: %v", tc.delta, err)
		}
		if got != tc.want {
			t.Fatalf("delta %d / %d: expected %d, got %d", tc.delta, tc.window, tc.want, got)
		}
	}
	if _, err := AverageTick([]*big.Int{big.NewInt(0)}, 60); err == nil {
		t.Fatalf("expected error for a single observation")
	}
}

func TestNativeSourceTWAP(t *testing.T) {
	obs := &fakeObserver{cumulatives: []*big.Int{big.NewInt(1_000), big.NewInt(1_000 + 23028*3600)}}
	src := NewNativeSource(obs, time.Second)
	pool := PoolRef{ID: "p", Mode: ModeNative, Decimals0: 18, Decimals1: 18}
	price, err := src.TWAP(context.Background(), pool, time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	bps, _ := fixedpoint.DeviationBps(price, fixedpoint.FromUint(10))
	if bps > 10 {
		t.Fatalf("expected ~10, got %s", fixedpoint.FormatWAD(price))
	}
	if len(obs.lastAgos) != 2 || obs.lastAgos[0] != 3600 || obs.lastAgos[1] != 0 {
		t.Fatalf("unexpected secondsAgos %v", obs.lastAgos)
	}

	obs.err = errors.New("execution reverted: OLD")
	if _, err := src.TWAP(context.Background(), pool, time.Hour); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRouterDispatchesByMode(t *testing.T) {
	local := NewLocalSource(func() time.Time { return time.Unix(100, 0) })
	_ = local.Register("l", 2)
	_ = local.Push("l", Sample{Timestamp: 10, Price: wad("3")})
	router := NewRouter(nil, local)
	if _, err := router.TWAP(context.Background(), PoolRef{ID: "n", Mode: ModeNative}, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable native source, got %v", err)
	}
	got, err := router.TWAP(context.Background(), PoolRef{ID: "l", Mode: ModeLocal}, time.Minute)
	if err != nil || !got.Eq(wad("3")) {
		t.Fatalf("unexpected local twap %v (%v)", got, err)
	}
	windows := TWAPs(context.Background(), router, PoolRef{ID: "l", Mode: ModeLocal}, time.Minute, 5*time.Minute)
	if len(windows) != 2 || windows[1].Err != nil {
		t.Fatalf("unexpected windows %+v", windows)
	}
}
