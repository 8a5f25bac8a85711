package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonSpotUnavailable  = "spot_unavailable"
	ReasonWindowsMissing   = "twap_windows_unavailable"
	ReasonManipulation     = "price_manipulation_suspected"
	ReasonRateLimited      = "min_interval_not_elapsed"
	ReasonZeroValue        = "position_value_zero"
	ReasonLowConfidence    = "high_risk_low_confidence"
	WarningWithinBounds    = "within_bounds"
	WarningWindowSkipped   = "twap_window_skipped"
	defaultManipulationBps = 500
)

type Config struct {
	Windows         []time.Duration
	ManipulationBps uint64
	MinInterval     time.Duration
	MinConfidence   float64
}

func (c Config) withDefaults() Config {
	if len(c.Windows) == 0 {
		c.Windows = []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour}
	}
	if c.ManipulationBps == 0 {
		c.ManipulationBps = defaultManipulationBps
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.8
	}
	return c
}

type Input struct {
	Pool             oracle.PoolRef
	PositionID       string
	Spot             *uint256.Int
	PositionValueETH decimal.Decimal
	LastRepositioned time.Time
	Decision         decision.Decision
	WithinBounds     bool
}

type Verdict struct {
	Allowed  bool
	Reasons  []string
	Warnings []string
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allowed"
	}
	return strings.Join(v.Reasons, "; ")
}

type Validator struct {
	src oracle.Source
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func New(src oracle.Source, cfg Config, log *zap.Logger, now func() time.Time) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{src: src, cfg: cfg.withDefaults(), log: log, now: now}
}

func (v *Validator) Validate(ctx context.Context, in Input) Verdict {
	var out Verdict
	v.checkPrice(ctx, in, &out)
	if reason, ok := v.checkInterval(in.LastRepositioned); !ok {
		out.Reasons = append(out.Reasons, reason)
	}
	if !in.PositionValueETH.IsPositive() {
		out.Reasons = append(out.Reasons, ReasonZeroValue)
	}
	if in.Decision.RiskLevel == decision.RiskHigh && in.Decision.Confidence < v.cfg.MinConfidence {
		out.Reasons = append(out.Reasons, fmt.Sprintf("%s:%.3f", ReasonLowConfidence, in.Decision.Confidence))
	}
	if in.WithinBounds && in.Decision.Action == decision.ActionRebalance {
		out.Warnings = append(out.Warnings, WarningWithinBounds)
	}
	out.Allowed = len(out.Reasons) == 0
	if !out.Allowed {
		v.log.Info("safety check rejected action",
			zap.String("pool", in.Pool.ID),
			zap.String("position", in.PositionID),
			zap.Strings("reasons", out.Reasons),
		)
	}
	return out
}

// checkPrice rejects when spot sits beyond the threshold from every
// available window. A single agreeing window is enough to pass.
func (v *Validator) checkPrice(ctx context.Context, in Input, out *Verdict) {
	spot := in.Spot
	if spot == nil || spot.IsZero() {
		var err error
		spot, err = v.src.Spot(ctx, in.Pool)
		if err != nil || spot == nil || spot.IsZero() {
			out.Reasons = append(out.Reasons, ReasonSpotUnavailable)
			return
		}
	}
	available, deviating := 0, 0
	for _, w := range oracle.TWAPs(ctx, v.src, in.Pool, v.cfg.Windows...) {
		if w.Err != nil || w.Price == nil || w.Price.IsZero() {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s:%s", WarningWindowSkipped, w.Window))
			continue
		}
		available++
		bps, err := fixedpoint.DeviationBps(spot, w.Price)
		if err != nil {
			continue
		}
		if fixedpoint.Exceeds(bps, v.cfg.ManipulationBps) {
			deviating++
		}
	}
	switch {
	case available == 0:
		out.Reasons = append(out.Reasons, ReasonWindowsMissing)
	case deviating == available:
		out.Reasons = append(out.Reasons, ReasonManipulation)
	}
}

// checkInterval allows exactly when the elapsed time reaches MinInterval.
func (v *Validator) checkInterval(last time.Time) (string, bool) {
	if v.cfg.MinInterval <= 0 || last.IsZero() {
		return "", true
	}
	elapsed := v.now().Sub(last)
	if elapsed < v.cfg.MinInterval {
		return fmt.Sprintf("%s:%.2fh<%.2fh", ReasonRateLimited, elapsed.Hours(), v.cfg.MinInterval.Hours()), false
	}
	return "", true
}
