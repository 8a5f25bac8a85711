package reward

import (
	"math"
	"math/big"

	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/shopspring/decimal"
)

const precision = 36

var (
	zero       = decimal.Zero
	one        = decimal.NewFromInt(1)
	two        = decimal.NewFromInt(2)
	hundred    = decimal.NewFromInt(100)
	bpsDenom   = decimal.NewFromInt(10_000)
	feeDenom   = decimal.NewFromInt(1_000_000)
	hoursDay   = decimal.NewFromInt(24)
	q96        = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)
	minRange   = decimal.RequireFromString("0.1")
	maxConcIL  = decimal.NewFromInt(5)
	maxConcFee = decimal.NewFromInt(10)
	centering  = decimal.RequireFromString("0.001")
	half       = decimal.RequireFromString("0.5")
)

type PositionState struct {
	LowerTick    int64           `json:"lower_tick"`
	UpperTick    int64           `json:"upper_tick"`
	CurrentTick  int64           `json:"current_tick"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	Token0       decimal.Decimal `json:"token0_balance"`
	Token1       decimal.Decimal `json:"token1_balance"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Fees0        decimal.Decimal `json:"fees_earned_0"`
	Fees1        decimal.Decimal `json:"fees_earned_1"`
}

func (p PositionState) InRange() bool {
	return p.LowerTick <= p.CurrentTick && p.CurrentTick <= p.UpperTick
}

type PoolState struct {
	FeeTier              int64           `json:"fee_tier"`
	Volume24h            decimal.Decimal `json:"volume_24h"`
	TVL                  decimal.Decimal `json:"tvl"`
	ActiveLiquidityRatio decimal.Decimal `json:"active_liquidity_ratio"`
}

type Cost struct {
	Gas         decimal.Decimal `json:"gas_cost"`
	Slippage    decimal.Decimal `json:"slippage_cost"`
	IL          decimal.Decimal `json:"il_crystallized"`
	PriceImpact decimal.Decimal `json:"price_impact"`
	Total       decimal.Decimal `json:"total_cost"`
}

type Benefit struct {
	FeeImprovement   decimal.Decimal `json:"fee_improvement"`
	RangeImprovement decimal.Decimal `json:"range_improvement"`
	Centering        decimal.Decimal `json:"centering_benefit"`
	Total            decimal.Decimal `json:"total_benefit"`
}

type Outcome struct {
	Cost       Cost            `json:"cost"`
	Benefit    Benefit         `json:"benefit"`
	Net        decimal.Decimal `json:"net_reward"`
	ROIPct     decimal.Decimal `json:"roi_pct"`
	Profitable bool            `json:"is_profitable"`
	PreValue   decimal.Decimal `json:"pre_value"`
	PostValue  decimal.Decimal `json:"post_value"`
}

type HoldOutcome struct {
	Fees   decimal.Decimal `json:"fees_earned"`
	IL     decimal.Decimal `json:"il_cost"`
	Net    decimal.Decimal `json:"net_reward"`
	ROIPct decimal.Decimal `json:"roi_pct"`
}

type Model struct {
	SlippageBps   int64
	ForecastHours decimal.Decimal
}

func NewModel(slippageBps int64, forecastHours decimal.Decimal) Model {
	if slippageBps < 0 {
		slippageBps = 30
	}
	if !forecastHours.IsPositive() {
		forecastHours = hoursDay
	}
	return Model{SlippageBps: slippageBps, ForecastHours: forecastHours}
}

func PositionValue(p PositionState) decimal.Decimal {
	if !p.CurrentPrice.IsPositive() {
		return zero
	}
	v := p.Token0.Mul(p.CurrentPrice).Add(p.Token1).
		Add(p.Fees0.Mul(p.CurrentPrice)).Add(p.Fees1)
	return decimal.Max(zero, v)
}

func ImpermanentLoss(entry, current decimal.Decimal, lower, upper int64) decimal.Decimal {
	if !entry.IsPositive() || !current.IsPositive() || lower >= upper {
		return zero
	}
	sqrtEntry := sqrt(entry)
	sqrtCurrent := sqrt(current)
	sqrtLower := sqrtAtTick(lower)
	sqrtUpper := sqrtAtTick(upper)
	if !sqrtLower.IsPositive() || sqrtUpper.LessThanOrEqual(sqrtLower) {
		return zero
	}

	var il decimal.Decimal
	switch {
	case sqrtCurrent.LessThanOrEqual(sqrtLower):
		il = sqrtCurrent.DivRound(sqrtEntry, precision).Sub(one).Abs()
	case sqrtCurrent.GreaterThanOrEqual(sqrtUpper):
		il = sqrtEntry.DivRound(sqrtCurrent, precision).Sub(one).Abs()
	default:
		invUpper := one.DivRound(sqrtUpper, precision)
		valueNow := one.DivRound(sqrtCurrent, precision).Sub(invUpper).Add(sqrtCurrent.Sub(sqrtLower))
		valueEntry := one.DivRound(sqrtEntry, precision).Sub(invUpper).Add(sqrtEntry.Sub(sqrtLower))
		if !valueEntry.IsPositive() {
			return zero
		}
		il = valueNow.DivRound(valueEntry, precision).Sub(one).Abs()
	}

	rangeFactor := sqrtUpper.Sub(sqrtLower).DivRound(sqrtEntry, precision)
	conc := one.DivRound(decimal.Max(rangeFactor, minRange), precision)
	conc = clamp(conc, one, maxConcIL)
	return clamp(il.Mul(conc), zero, one)
}

func FeeYield(p PositionState, pool PoolState, hours decimal.Decimal) decimal.Decimal {
	if !p.InRange() || !pool.TVL.IsPositive() || !pool.Volume24h.IsPositive() || !p.CurrentPrice.IsPositive() {
		return zero
	}
	value := PositionValue(p)
	if !value.IsPositive() {
		return zero
	}
	ratio := pool.ActiveLiquidityRatio
	if !ratio.IsPositive() {
		ratio = decimal.RequireFromString("0.3")
	}
	activeTVL := pool.TVL.Mul(ratio)
	share := value.DivRound(activeTVL, precision)

	bonus := one
	width := sqrtAtTick(p.UpperTick).Sub(sqrtAtTick(p.LowerTick))
	if width.IsPositive() {
		bonus = clamp(two.Mul(sqrt(p.CurrentPrice)).DivRound(width, precision), one, maxConcFee)
	}
	daily := pool.Volume24h.Mul(decimal.NewFromInt(pool.FeeTier)).DivRound(feeDenom, precision)
	fees := daily.Mul(share).Mul(bonus).Mul(hours).DivRound(hoursDay, precision)
	return decimal.Max(zero, fees)
}

func GasValue(gasWei *big.Int, price decimal.Decimal) decimal.Decimal {
	if gasWei == nil || !price.IsPositive() {
		return zero
	}
	return decimal.NewFromBigInt(gasWei, -18).Mul(price)
}

// RebalanceCost charges gas, slippage on both legs and the loss
// crystallized by leaving the old range. gas is in token1.
func (m Model) RebalanceCost(pre PositionState, gas decimal.Decimal) Cost {
	gas = decimal.Max(zero, gas)
	value := PositionValue(pre)
	if !value.IsPositive() {
		return Cost{Gas: gas, Slippage: zero, IL: zero, PriceImpact: zero, Total: gas}
	}
	slippage := value.Mul(decimal.NewFromInt(m.SlippageBps)).DivRound(bpsDenom, precision).Mul(two)
	entry := priceAtTick(floorDiv(pre.LowerTick+pre.UpperTick, 2))
	il := value.Mul(ImpermanentLoss(entry, pre.CurrentPrice, pre.LowerTick, pre.UpperTick))
	c := Cost{Gas: gas, Slippage: slippage, IL: il, PriceImpact: zero}
	c.Total = c.Gas.Add(c.Slippage).Add(c.IL).Add(c.PriceImpact)
	return c
}

func (m Model) RebalanceBenefit(pre, post PositionState, pool PoolState) Benefit {
	preYield := FeeYield(pre, pool, m.ForecastHours)
	postYield := FeeYield(post, pool, m.ForecastHours)
	feeImprovement := postYield.Sub(preYield)

	rangeImprovement := zero
	if !pre.InRange() && post.InRange() {
		rangeImprovement = postYield.Mul(half)
	}

	centeringBenefit := zero
	preDist := centerDistance(pre)
	postDist := centerDistance(post)
	if postDist.LessThan(preDist) && preDist.IsPositive() {
		improvement := preDist.Sub(postDist).DivRound(preDist, precision)
		centeringBenefit = PositionValue(pre).Mul(improvement).Mul(centering)
	}

	total := feeImprovement.Add(rangeImprovement).Add(centeringBenefit)
	return Benefit{
		FeeImprovement:   decimal.Max(zero, feeImprovement),
		RangeImprovement: rangeImprovement,
		Centering:        centeringBenefit,
		Total:            decimal.Max(zero, total),
	}
}

func Combine(cost Cost, benefit Benefit, preValue, postValue decimal.Decimal) Outcome {
	cost.Total = cost.Gas.Add(cost.Slippage).Add(cost.IL).Add(cost.PriceImpact)
	net := benefit.Total.Sub(cost.Total)
	roi := zero
	if preValue.IsPositive() {
		roi = net.DivRound(preValue, precision).Mul(hundred)
	}
	return Outcome{
		Cost:       cost,
		Benefit:    benefit,
		Net:        net,
		ROIPct:     roi,
		Profitable: net.IsPositive(),
		PreValue:   preValue,
		PostValue:  postValue,
	}
}

func (m Model) NetReward(pre, post PositionState, pool PoolState, gas decimal.Decimal) Outcome {
	return Combine(m.RebalanceCost(pre, gas), m.RebalanceBenefit(pre, post, pool), PositionValue(pre), PositionValue(post))
}

func (m Model) HoldReward(p PositionState, pool PoolState, priceChangePct decimal.Decimal) HoldOutcome {
	fees := FeeYield(p, pool, m.ForecastHours)
	newPrice := p.CurrentPrice.Mul(one.Add(priceChangePct.DivRound(hundred, precision)))
	value := PositionValue(p)
	il := value.Mul(ImpermanentLoss(p.CurrentPrice, newPrice, p.LowerTick, p.UpperTick))
	net := fees.Sub(il)
	roi := zero
	if value.IsPositive() {
		roi = net.DivRound(value, precision).Mul(hundred)
	}
	return HoldOutcome{Fees: fees, IL: il, Net: net, ROIPct: roi}
}

// AmountsForLiquidity splits liquidity over [lower, upper] at current into
// raw token amounts, before any decimal scaling.
func AmountsForLiquidity(liquidity decimal.Decimal, lower, upper, current int64) (decimal.Decimal, decimal.Decimal) {
	if !liquidity.IsPositive() || lower >= upper {
		return zero, zero
	}
	sl, su := sqrtAtTick(lower), sqrtAtTick(upper)
	switch {
	case current < lower:
		return liquidity.Mul(su.Sub(sl)).DivRound(sl.Mul(su), precision), zero
	case current >= upper:
		return zero, liquidity.Mul(su.Sub(sl)).Round(precision)
	}
	sp := sqrtAtTick(current)
	amount0 := liquidity.Mul(su.Sub(sp)).DivRound(sp.Mul(su), precision)
	amount1 := liquidity.Mul(sp.Sub(sl)).Round(precision)
	return amount0, amount1
}

func centerDistance(p PositionState) decimal.Decimal {
	center := decimal.NewFromInt(p.LowerTick + p.UpperTick).Div(two)
	return decimal.NewFromInt(p.CurrentTick).Sub(center).Abs()
}

func sqrtAtTick(tick int64) decimal.Decimal {
	ratio, err := fixedpoint.SqrtRatioAtTick(fixedpoint.ClampTick(tick))
	if err != nil {
		return one
	}
	return decimal.NewFromBigInt(ratio.ToBig(), 0).DivRound(q96, precision)
}

func priceAtTick(tick int64) decimal.Decimal {
	s := sqrtAtTick(tick)
	return s.Mul(s).Round(precision)
}

// sqrt is Newton's method to the package precision.
func sqrt(x decimal.Decimal) decimal.Decimal {
	if !x.IsPositive() {
		return zero
	}
	f, _ := x.Float64()
	guess := decimal.NewFromFloat(math.Sqrt(f))
	if !guess.IsPositive() {
		guess = x
	}
	tolerance := decimal.New(1, -precision+2)
	for i := 0; i < 64; i++ {
		next := guess.Add(x.DivRound(guess, precision)).DivRound(two, precision)
		if next.Sub(guess).Abs().LessThan(tolerance) {
			return next
		}
		guess = next
	}
	return guess
}

func clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(hi, decimal.Max(lo, x))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
