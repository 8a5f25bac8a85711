package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type windowSource struct {
	spot    *uint256.Int
	windows map[time.Duration]*uint256.Int
}

func (s *windowSource) TWAP(ctx context.Context, pool oracle.PoolRef, window time.Duration) (*uint256.Int, error) {
	_ = ctx
	if p, ok := s.windows[window]; ok {
		return p, nil
	}
	return nil, oracle.ErrUnavailable
}

func (s *windowSource) Spot(ctx context.Context, pool oracle.PoolRef) (*uint256.Int, error) {
	_, _ = ctx, pool
	if s.spot == nil {
		return nil, errors.New("no spot")
	}
	return s.spot, nil
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func steadySource(price string) *windowSource {
	p := fixedpoint.MustParseWAD(price)
	return &windowSource{
		spot: p,
		windows: map[time.Duration]*uint256.Int{
			5 * time.Minute:  p,
			30 * time.Minute: p,
			time.Hour:        p,
		},
	}
}

func okInput() Input {
	return Input{
		Pool:             oracle.PoolRef{ID: "eth-usdc"},
		PositionID:       "pos-1",
		PositionValueETH: decimal.NewFromInt(2),
		Decision:         decision.Decision{Action: decision.ActionRebalance, Confidence: 0.9, RiskLevel: decision.RiskMedium},
	}
}

func newValidator(src oracle.Source, cfg Config) *Validator {
	return New(src, cfg, zap.NewNop(), func() time.Time { return start })
}

func TestAllowsCleanAction(t *testing.T) {
	v := newValidator(steadySource("1.0"), Config{})
	verdict := v.Validate(context.Background(), okInput())
	assert.True(t, verdict.Allowed, verdict.String())
	assert.Empty(t, verdict.Warnings)
}

func TestManipulationNeedsEveryWindowToDeviate(t *testing.T) {
	src := steadySource("1.0")
	src.spot = fixedpoint.MustParseWAD("1.08")
	v := newValidator(src, Config{})

	verdict := v.Validate(context.Background(), okInput())
	require.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reasons, ReasonManipulation)

	src.windows[5*time.Minute] = fixedpoint.MustParseWAD("1.07")
	verdict = v.Validate(context.Background(), okInput())
	assert.True(t, verdict.Allowed, "one agreeing window should pass: %s", verdict)
}

func TestUnavailableWindowsAreSkipped(t *testing.T) {
	src := steadySource("1.0")
	delete(src.windows, time.Hour)
	v := newValidator(src, Config{})
	verdict := v.Validate(context.Background(), okInput())
	assert.True(t, verdict.Allowed)
	require.Len(t, verdict.Warnings, 1)
	assert.True(t, strings.HasPrefix(verdict.Warnings[0], WarningWindowSkipped))

	src.windows = nil
	verdict = v.Validate(context.Background(), okInput())
	assert.Contains(t, verdict.Reasons, ReasonWindowsMissing)

	src.spot = nil
	verdict = v.Validate(context.Background(), okInput())
	assert.Contains(t, verdict.Reasons, ReasonSpotUnavailable)
}

func TestRejectsZeroValueAndLowConfidenceHighRisk(t *testing.T) {
	v := newValidator(steadySource("1.0"), Config{})
	in := okInput()
	in.PositionValueETH = decimal.Zero
	in.Decision.RiskLevel = decision.RiskHigh
	in.Decision.Confidence = 0.79
	verdict := v.Validate(context.Background(), in)
	require.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reasons, ReasonZeroValue)
	assert.True(t, strings.HasPrefix(verdict.Reasons[1], ReasonLowConfidence))

	in.PositionValueETH = decimal.NewFromInt(1)
	in.Decision.Confidence = 0.8
	assert.True(t, v.Validate(context.Background(), in).Allowed)
}

func TestWithinBoundsIsOnlyAWarning(t *testing.T) {
	v := newValidator(steadySource("1.0"), Config{})
	in := okInput()
	in.WithinBounds = true
	verdict := v.Validate(context.Background(), in)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, []string{WarningWithinBounds}, verdict.Warnings)
}

func TestMinIntervalBoundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minHours := rapid.IntRange(1, 72).Draw(rt, "minHours")
		elapsedMin := rapid.IntRange(0, 100*60).Draw(rt, "elapsedMinutes")
		v := newValidator(steadySource("1.0"), Config{MinInterval: time.Duration(minHours) * time.Hour})

		in := okInput()
		in.LastRepositioned = start.Add(-time.Duration(elapsedMin) * time.Minute)
		verdict := v.Validate(context.Background(), in)

		want := elapsedMin >= minHours*60
		if verdict.Allowed != want {
			rt.Fatalf("elapsed %dm min %dh: allowed=%v reasons=%v", elapsedMin, minHours, verdict.Allowed, verdict.Reasons)
		}
	})
}

func TestNeverRepositionedIsNotRateLimited(t *testing.T) {
	v := newValidator(steadySource("1.0"), Config{MinInterval: 24 * time.Hour})
	assert.True(t, v.Validate(context.Background(), okInput()).Allowed)
}
