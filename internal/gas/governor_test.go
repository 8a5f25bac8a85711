package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lp-rebalance-bot/internal/decision"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFees struct {
	base  *big.Int
	tip   *big.Int
	err   error
	calls int
}

func (f *fakeFees) BaseFee(ctx context.Context) (*big.Int, error) {
	_ = ctx
	f.calls++
	return f.base, f.err
}

func (f *fakeFees) TipCap(ctx context.Context) (*big.Int, error) {
	_ = ctx
	return f.tip, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newGovernor(src FeeSource) (*Governor, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(src, Config{TTL: 10 * time.Second}, zap.NewNop(), c.now), c
}

func TestTierScaling(t *testing.T) {
	g, _ := newGovernor(&fakeFees{base: gwei(30), tip: gwei(2)})
	cases := map[Tier]string{
		TierLow:      "28",
		TierStandard: "32",
		TierHigh:     "40.5",
		TierUrgent:   "49",
	}
	for tier, want := range cases {
		est, err := g.Fees(context.Background(), tier)
		require.NoError(t, err)
		assert.Equal(t, want, est.GasPriceGwei.String(), "tier %s", tier)
	}
	_, err := g.Fees(context.Background(), Tier("whale"))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestFeesCachedWithinTTL(t *testing.T) {
	src := &fakeFees{base: gwei(30), tip: gwei(2)}
	g, c := newGovernor(src)

	first, err := g.Fees(context.Background(), TierStandard)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	c.t = c.t.Add(5 * time.Second)
	second, err := g.Fees(context.Background(), TierHigh)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, src.calls)

	c.t = c.t.Add(5 * time.Second)
	_, err = g.Fees(context.Background(), TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestEstimateCostIncludesBuffer(t *testing.T) {
	g, _ := newGovernor(&fakeFees{base: gwei(30), tip: gwei(2)})
	cost, err := g.EstimateCost(context.Background(), decision.ActionRebalance, TierStandard)
	require.NoError(t, err)
	assert.EqualValues(t, 600_000, cost.Units)
	assert.Equal(t, "0.02304", cost.ETH.String())

	hold, err := g.EstimateCost(context.Background(), decision.ActionHold, TierStandard)
	require.NoError(t, err)
	assert.True(t, hold.ETH.IsZero())
	assert.EqualValues(t, 500_000, GasUnits(decision.Action("rotate")))
}

func TestCheckGates(t *testing.T) {
	g, _ := newGovernor(&fakeFees{base: gwei(30), tip: gwei(2)})

	_, err := g.Check(context.Background(), decision.ActionRebalance, TierStandard, decimal.NewFromInt(1))
	assert.NoError(t, err)

	_, err = g.Check(context.Background(), decision.ActionRebalance, TierStandard, decimal.RequireFromString("0.1"))
	assert.ErrorIs(t, err, ErrGasTooExpensive)

	_, err = g.Check(context.Background(), decision.ActionClose, TierStandard, decimal.Zero)
	assert.ErrorIs(t, err, ErrZeroPositionValue)

	_, err = g.Check(context.Background(), decision.ActionHold, TierStandard, decimal.Zero)
	assert.NoError(t, err)

	spiky, _ := newGovernor(&fakeFees{base: gwei(199), tip: gwei(2)})
	_, err = spiky.Check(context.Background(), decision.ActionRebalance, TierStandard, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)
}

func TestFeeSourceFailurePropagates(t *testing.T) {
	g, _ := newGovernor(&fakeFees{err: errors.New("rpc down")})
	_, err := g.Check(context.Background(), decision.ActionRebalance, TierStandard, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc down")
}

func TestMissingFeeSource(t *testing.T) {
	g := New(nil, Config{}, zap.NewNop(), nil)
	_, err := g.Fees(context.Background(), TierStandard)
	assert.ErrorIs(t, err, ErrNoFeeSource)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, TierHigh, tier)
	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierStandard, tier)
	_, err = ParseTier("fast")
	assert.ErrorIs(t, err, ErrUnknownTier)
}
