package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"lp-rebalance-bot/internal/decision"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrGasPriceTooHigh   = errors.New("gas price above limit")
	ErrGasTooExpensive   = errors.New("gas cost above share of position value")
	ErrZeroPositionValue = errors.New("position value is zero")
	ErrUnknownTier       = errors.New("unknown priority tier")
	ErrNoFeeSource       = errors.New("fee source not configured")
)

var hundred = decimal.NewFromInt(100)

type FeeSource interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	TipCap(ctx context.Context) (*big.Int, error)
}

type Tier string

const (
	TierLow      Tier = "low"
	TierStandard Tier = "standard"
	TierHigh     Tier = "high"
	TierUrgent   Tier = "urgent"
)

type multiplier struct {
	base decimal.Decimal
	tip  decimal.Decimal
}

var tiers = map[Tier]multiplier{
	TierLow:      {decimal.RequireFromString("0.9"), decimal.RequireFromString("0.5")},
	TierStandard: {decimal.NewFromInt(1), decimal.NewFromInt(1)},
	TierHigh:     {decimal.RequireFromString("1.25"), decimal.RequireFromString("1.5")},
	TierUrgent:   {decimal.RequireFromString("1.5"), decimal.NewFromInt(2)},
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TierStandard, nil
	}
	if _, ok := tiers[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

var gasUnits = map[decision.Action]uint64{
	decision.ActionRebalance: 600_000,
	decision.ActionReduce:    400_000,
	decision.ActionClose:     500_000,
	decision.ActionHold:      0,
}

const defaultGasUnits = 500_000

func GasUnits(action decision.Action) uint64 {
	if units, ok := gasUnits[action]; ok {
		return units
	}
	return defaultGasUnits
}

type Config struct {
	TTL        time.Duration
	BufferPct  int64
	MaxGwei    decimal.Decimal
	MaxCostPct decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.BufferPct <= 0 {
		c.BufferPct = 20
	}
	if !c.MaxGwei.IsPositive() {
		c.MaxGwei = decimal.NewFromInt(200)
	}
	if !c.MaxCostPct.IsPositive() {
		c.MaxCostPct = decimal.RequireFromString("12.5")
	}
	return c
}

type Estimate struct {
	Tier         Tier
	BaseFee      *big.Int
	TipCap       *big.Int
	GasPrice     *big.Int
	GasPriceGwei decimal.Decimal
	ObservedAt   time.Time
	FromCache    bool
}

type Cost struct {
	Action   decision.Action
	Units    uint64
	Estimate Estimate
	Wei      *big.Int
	ETH      decimal.Decimal
}

type Governor struct {
	src FeeSource
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	base    *big.Int
	tip     *big.Int
	fetched time.Time
}

func New(src FeeSource, cfg Config, log *zap.Logger, now func() time.Time) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Governor{src: src, cfg: cfg.withDefaults(), log: log, now: now}
}

func (g *Governor) Fees(ctx context.Context, tier Tier) (Estimate, error) {
	m, ok := tiers[tier]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	base, tip, at, cached, err := g.raw(ctx)
	if err != nil {
		return Estimate{}, err
	}
	scaledBase := scale(base, m.base)
	scaledTip := scale(tip, m.tip)
	price := new(big.Int).Add(scaledBase, scaledTip)
	return Estimate{
		Tier:         tier,
		BaseFee:      scaledBase,
		TipCap:       scaledTip,
		GasPrice:     price,
		GasPriceGwei: decimal.NewFromBigInt(price, -9),
		ObservedAt:   at,
		FromCache:    cached,
	}, nil
}

func (g *Governor) raw(ctx context.Context) (*big.Int, *big.Int, time.Time, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.base != nil && now.Sub(g.fetched) < g.cfg.TTL {
		return g.base, g.tip, g.fetched, true, nil
	}
	if g.src == nil {
		return nil, nil, time.Time{}, false, ErrNoFeeSource
	}
	base, err := g.src.BaseFee(ctx)
	if err != nil {
		return nil, nil, time.Time{}, false, fmt.Errorf("base fee: %w", err)
	}
	tip, err := g.src.TipCap(ctx)
	if err != nil {
		return nil, nil, time.Time{}, false, fmt.Errorf("tip cap: %w", err)
	}
	g.base, g.tip, g.fetched = base, tip, now
	return base, tip, now, false, nil
}

func (g *Governor) EstimateCost(ctx context.Context, action decision.Action, tier Tier) (Cost, error) {
	est, err := g.Fees(ctx, tier)
	if err != nil {
		return Cost{}, err
	}
	units := GasUnits(action)
	wei := new(big.Int).Mul(est.GasPrice, new(big.Int).SetUint64(units))
	wei.Mul(wei, big.NewInt(100+g.cfg.BufferPct))
	wei.Quo(wei, big.NewInt(100))
	return Cost{
		Action:   action,
		Units:    units,
		Estimate: est,
		Wei:      wei,
		ETH:      decimal.NewFromBigInt(wei, -18),
	}, nil
}

func (g *Governor) Check(ctx context.Context, action decision.Action, tier Tier, positionValueETH decimal.Decimal) (Cost, error) {
	cost, err := g.EstimateCost(ctx, action, tier)
	if err != nil {
		return Cost{}, err
	}
	if cost.Units == 0 {
		return cost, nil
	}
	if cost.Estimate.GasPriceGwei.GreaterThan(g.cfg.MaxGwei) {
		return cost, fmt.Errorf("%w: %s gwei > %s", ErrGasPriceTooHigh, cost.Estimate.GasPriceGwei.StringFixed(2), g.cfg.MaxGwei)
	}
	if !positionValueETH.IsPositive() {
		return cost, ErrZeroPositionValue
	}
	pct := cost.ETH.Div(positionValueETH).Mul(hundred)
	if pct.GreaterThan(g.cfg.MaxCostPct) {
		return cost, fmt.Errorf("%w: %s%% > %s%%", ErrGasTooExpensive, pct.StringFixed(3), g.cfg.MaxCostPct)
	}
	g.log.Debug("gas gate passed",
		zap.String("action", string(action)),
		zap.String("tier", string(tier)),
		zap.String("cost_eth", cost.ETH.String()),
		zap.String("cost_pct", pct.StringFixed(3)),
	)
	return cost, nil
}

func scale(x *big.Int, m decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(x, 0).Mul(m).BigInt()
}
