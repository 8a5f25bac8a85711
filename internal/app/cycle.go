package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/exec"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/oracle"
	"lp-rebalance-bot/internal/reward"
	"lp-rebalance-bot/internal/safety"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// poolView is the market picture of one pool, shared by its positions
// within a cycle.
type poolView struct {
	cfg     ledger.PoolConfig
	cycle   ledger.CycleResult
	spot    *uint256.Int
	price   decimal.Decimal
	tick    int64
	twap1h  float64
	twap24h float64
	gasGwei float64
	state   reward.PoolState
}

// levelView is a level as it stood before any position on it executed.
// Every position on the level is gated against the same view.
type levelView struct {
	state   ledger.LevelState
	pending bool
}

func (a *App) cycle(ctx context.Context) {
	if !a.active(ctx) {
		a.log.Debug("cycle skipped", zap.Bool("paused", a.isPaused()))
		return
	}
	now := a.now()
	for i, cfg := range a.ledger.Pools() {
		if i > 0 && !sleepCtx(ctx, a.cfg.Orchestrator.PoolDelay) {
			break
		}
		if !a.active(ctx) {
			break
		}
		callCtx, cancel := a.callContext(ctx)
		results, err := a.ledger.ProcessPools(callCtx, cfg.ID)
		cancel()
		if err != nil || len(results) == 0 {
			reason := "ledger_cycle_failed"
			if errors.Is(err, ledger.ErrOracleUnavailable) {
				a.metrics.OracleUnavailable.Inc()
				reason = "oracle_unavailable"
			}
			a.log.Warn("ledger cycle incomplete", zap.String("pool", cfg.ID), zap.Error(err))
			a.skipPool(ctx, cfg.ID, reason)
			continue
		}
		res := results[0]
		a.ts.EnqueueCycle(res, now)
		a.processPool(ctx, res)
	}
	a.metrics.PendingRepositions.Set(float64(len(a.ledger.Pending())))
}

func (a *App) processPool(ctx context.Context, res ledger.CycleResult) {
	positions := a.exec.Positions(res.PoolID)
	if len(positions) == 0 {
		return
	}
	view, err := a.poolView(ctx, res)
	if err != nil {
		a.log.Warn("pool skipped", zap.String("pool", res.PoolID), zap.Error(err))
		a.skipPool(ctx, res.PoolID, "pool_view:"+err.Error())
		return
	}
	levels := a.levelViews(res.PoolID, positions)
	for i, pos := range positions {
		if i > 0 && !sleepCtx(ctx, a.cfg.Orchestrator.PositionDelay) {
			return
		}
		if !a.active(ctx) {
			return
		}
		lv, ok := levels[pos.Level]
		if !ok {
			a.skip(ctx, a.log, pos, "level_unavailable")
			continue
		}
		a.processPosition(ctx, view, lv, pos)
	}
}

// levelViews reads each level once, before the first execution on the pool
// confirms it.
func (a *App) levelViews(poolID string, positions []exec.Position) map[int]levelView {
	now := a.now()
	out := make(map[int]levelView)
	for _, pos := range positions {
		if _, ok := out[pos.Level]; ok {
			continue
		}
		lvl, err := a.ledger.Level(poolID, pos.Level)
		if err != nil {
			a.log.Warn("level state unavailable", zap.String("pool", poolID), zap.Int("level", pos.Level), zap.Error(err))
			continue
		}
		out[pos.Level] = levelView{
			state:   lvl,
			pending: lvl.Status(now, a.ledger.Timeout()) == ledger.StatusPending,
		}
	}
	return out
}

// skipPool journals a hold for every position of a pool the cycle could not
// evaluate.
func (a *App) skipPool(ctx context.Context, poolID, reason string) {
	for _, pos := range a.exec.Positions(poolID) {
		a.skip(ctx, a.log, pos, reason)
	}
}

func (a *App) poolView(ctx context.Context, res ledger.CycleResult) (poolView, error) {
	cfg, ok := a.ledger.Pool(res.PoolID)
	if !ok {
		return poolView{}, fmt.Errorf("%w: %s", ledger.ErrUnknownPool, res.PoolID)
	}
	view := poolView{cfg: cfg, cycle: res}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	ref := cfg.Ref()
	spot, err := a.oracle.Spot(callCtx, ref)
	if err != nil {
		a.log.Info("spot price unavailable", zap.String("pool", cfg.ID), zap.Error(err))
	}
	view.spot = spot
	price := res.Price
	if spot != nil {
		price = spot
	}
	if price == nil || price.IsZero() {
		return view, errors.New("no usable price")
	}
	view.price = fixedpoint.ToDecimal(price)
	view.tick, err = fixedpoint.TickAtPrice(price, cfg.Decimals0, cfg.Decimals1)
	if err != nil {
		return view, fmt.Errorf("current tick: %w", err)
	}
	for _, wp := range oracle.TWAPs(callCtx, a.oracle, ref, time.Hour, 24*time.Hour) {
		if wp.Err != nil {
			continue
		}
		switch wp.Window {
		case time.Hour:
			view.twap1h = wadFloat(wp.Price)
		case 24 * time.Hour:
			view.twap24h = wadFloat(wp.Price)
		}
	}
	if est, err := a.gas.Fees(callCtx, a.tier); err == nil {
		view.gasGwei, _ = est.GasPriceGwei.Float64()
	}
	view.state = reward.PoolState{
		FeeTier:              int64(a.pools[cfg.ID].FeeTier),
		Volume24h:            decimal.NewFromFloat(a.cfg.Reward.Volume24h),
		TVL:                  decimal.NewFromFloat(a.cfg.Reward.TVL),
		ActiveLiquidityRatio: decimal.NewFromFloat(a.cfg.Reward.ActiveLiquidityRatio),
	}
	return view, nil
}

func (a *App) processPosition(ctx context.Context, view poolView, lv levelView, pos exec.Position) {
	log := a.log.With(zap.String("pool", view.cfg.ID), zap.String("position", pos.ID), zap.Int("level", pos.Level))
	lvl := lv.state
	// A request raised after the view was taken supersedes it and the later
	// confirm is rejected.
	nonce := lvl.Nonce
	pending := lv.pending
	outcome := levelOutcome(view.cycle, pos.Level)

	pre := a.positionState(view, pos)
	features := a.features(view, pos, pre, lvl)
	if view.state.FeeTier == 0 {
		view.state.FeeTier = int64(pos.FeeTier)
	}
	snap := reward.Snapshot{
		PositionID: pos.ID,
		Position:   pre,
		Pool:       view.state,
		Ledger: reward.LedgerContext{
			PoolID:         view.cfg.ID,
			Level:          pos.Level,
			Nonce:          nonce,
			ReferencePrice: wadText(lvl.ReferencePrice),
			TWAP:           wadText(view.cycle.Price),
			DeviationBps:   outcome.DeviationBps,
			ThresholdBps:   outcome.ThresholdBps,
			Pending:        pending,
		},
		Features: features,
		At:       a.now(),
	}

	callCtx, cancel := a.callContext(ctx)
	d := a.decider.Decide(callCtx, features)
	cancel()
	id, err := a.rewards.CapturePre(ctx, snap, d)
	if err != nil {
		log.Warn("pre-action snapshot failed", zap.Error(err))
		a.skipSnapshot(ctx, log, snap, "snapshot_failed:"+err.Error())
		return
	}
	log = log.With(zap.String("decision", id), zap.String("action", string(d.Action)))

	within := features.WithinBounds != nil && *features.WithinBounds
	if reason, ok := a.gate(ctx, log, view, pos, lvl, pending, pre, within, d); !ok {
		a.hold(ctx, log, id, reason)
		return
	}
	if a.shadow() {
		a.hold(ctx, log, id, "shadow_mode")
		return
	}
	a.execute(ctx, log, view, pos, nonce, id, d)
}

// gate runs every check that can hold an action. The returned reason is
// journaled with the hold.
func (a *App) gate(ctx context.Context, log *zap.Logger, view poolView, pos exec.Position, lvl ledger.LevelState, pending bool, pre reward.PositionState, within bool, d decision.Decision) (string, bool) {
	if d.Action == decision.ActionHold {
		if d.Fallback {
			return "fallback:" + d.Reason, false
		}
		return "decision_hold", false
	}
	if d.Action == decision.ActionRebalance && !pending {
		return "no_pending_reposition", false
	}
	value := positionValueETH(pre)
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	if _, err := a.gas.Check(callCtx, d.Action, a.tier, value); err != nil {
		a.metrics.GateRejections.Inc()
		return "gas:" + err.Error(), false
	}
	verdict := a.safety.Validate(callCtx, safety.Input{
		Pool:             view.cfg.Ref(),
		PositionID:       pos.ID,
		Spot:             view.spot,
		PositionValueETH: value,
		LastRepositioned: lastRepositioned(pos, lvl),
		Decision:         d,
		WithinBounds:     within,
	})
	if len(verdict.Warnings) > 0 {
		log.Info("safety warnings", zap.Strings("warnings", verdict.Warnings))
	}
	if !verdict.Allowed {
		a.metrics.GateRejections.Inc()
		return "safety:" + verdict.String(), false
	}
	return "", true
}

func (a *App) execute(ctx context.Context, log *zap.Logger, view poolView, pos exec.Position, nonce uint64, id string, d decision.Decision) {
	opKey := fmt.Sprintf("%s:%d:%d", view.cfg.ID, pos.Level, nonce)
	var (
		res exec.SyncResult
		err error
	)
	switch d.Action {
	case decision.ActionRebalance:
		lower, upper := recenter(pos, view.tick)
		log.Info("rebalancing position",
			zap.Int64("tick", view.tick),
			zap.Int64("tick_lower", lower),
			zap.Int64("tick_upper", upper),
			zap.Uint64("nonce", nonce),
		)
		res, err = a.exec.Sync(ctx, a.keeper, pos.ID, lower, upper, opKey)
	case decision.ActionReduce:
		res, err = a.exec.Reduce(ctx, a.keeper, pos.ID, reduceBps(d), opKey)
	case decision.ActionClose:
		res, err = a.exec.Close(ctx, a.keeper, pos.ID)
	default:
		a.hold(ctx, log, id, "unsupported_action")
		return
	}
	if err != nil {
		a.metrics.ExecutionsFailed.Inc()
		var failure *exec.StepFailure
		if errors.As(err, &failure) && failure.Stuck {
			a.metrics.StuckHandles.Inc()
		}
		log.Warn("execution failed", zap.Error(err))
		a.notify(ctx, fmt.Sprintf("execution failed: pool=%s position=%s action=%s: %v", view.cfg.ID, pos.ID, d.Action, err))
		a.hold(ctx, log, id, "execution_failed:"+err.Error())
		return
	}
	a.metrics.ExecutionsSucceeded.Inc()
	if res.Stuck {
		a.metrics.StuckHandles.Inc()
	}
	if d.Action == decision.ActionRebalance {
		a.confirm(ctx, log, view.cfg.ID, pos.Level, nonce)
	}

	post := a.positionState(view, res.Position)
	rec, err := a.rewards.CapturePost(ctx, id, reward.Execution{
		TxHashes: txHashes(res),
		GasUsed:  res.GasUsed,
		GasWei:   res.GasCost,
		Post:     post,
	})
	if err != nil {
		log.Warn("post-action snapshot failed", zap.Error(err))
	}
	log.Info("action executed",
		zap.Uint64("gas_used", res.GasUsed),
		zap.String("net_reward", rec.Outcome.Net.String()),
		zap.Bool("beat_hold", rec.BeatHold),
	)
	a.notify(ctx, fmt.Sprintf("executed %s: pool=%s position=%s net=%s", d.Action, view.cfg.ID, pos.ID, rec.Outcome.Net.StringFixed(6)))
}

// confirm commits the request the execution answered. A rejection means the
// request was superseded or expired while executing and is not an error.
func (a *App) confirm(ctx context.Context, log *zap.Logger, poolID string, level int, nonce uint64) {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	if _, err := a.ledger.Confirm(callCtx, a.keeper, poolID, level, nonce); err != nil {
		if ledger.IsProtocolRejection(err) {
			log.Info("reposition already handled", zap.Uint64("nonce", nonce), zap.Error(err))
			return
		}
		log.Warn("reposition confirm failed", zap.Uint64("nonce", nonce), zap.Error(err))
		return
	}
	log.Info("reposition confirmed", zap.Uint64("nonce", nonce))
}

func (a *App) hold(ctx context.Context, log *zap.Logger, id, reason string) {
	rec, err := a.rewards.RecordHold(ctx, id, reason, a.shadow())
	if err != nil {
		log.Warn("hold record failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Info("action held", zap.String("reason", reason), zap.String("hold_reward", rec.Hold.Net.String()))
}

// skip journals a position the cycle could not evaluate.
func (a *App) skip(ctx context.Context, log *zap.Logger, pos exec.Position, reason string) {
	a.skipSnapshot(ctx, log, reward.Snapshot{
		PositionID: pos.ID,
		Ledger:     reward.LedgerContext{PoolID: pos.PoolID, Level: pos.Level},
		At:         a.now(),
	}, reason)
}

func (a *App) skipSnapshot(ctx context.Context, log *zap.Logger, snap reward.Snapshot, reason string) {
	if _, err := a.rewards.RecordSkip(ctx, snap, reason, a.shadow()); err != nil {
		log.Warn("skip record failed", zap.String("position", snap.PositionID), zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Info("position skipped", zap.String("position", snap.PositionID), zap.String("reason", reason))
}

func (a *App) features(view poolView, pos exec.Position, pre reward.PositionState, lvl ledger.LevelState) decision.StateInput {
	now := a.now()
	current, _ := view.price.Float64()
	token0, _ := pre.Token0.Float64()
	token1, _ := pre.Token1.Float64()
	liquidity, _ := pre.Liquidity.Float64()
	in := decision.StateInput{
		Timestamp:     float64(now.UnixMilli()) / 1000,
		PoolID:        view.cfg.ID,
		CurrentPrice:  current,
		TWAP1h:        view.twap1h,
		TWAP24h:       view.twap24h,
		PriceUnit:     priceUnit,
		Volatility1h:  relativeMove(current, view.twap1h),
		Volatility24h: relativeMove(view.twap1h, view.twap24h),
		PoolLiquidity: a.cfg.Reward.TVL,
		Volume24h:     a.cfg.Reward.Volume24h,
		GasPrice:      view.gasGwei,
		GasUnit:       "gwei",
		Position: decision.PositionInput{
			ID:            pos.ID,
			Owner:         pos.Owner,
			LowerTick:     float64(pos.TickLower),
			UpperTick:     float64(pos.TickUpper),
			Liquidity:     liquidity,
			Token0Balance: token0,
			Token1Balance: token1,
			AgeSeconds:    int64(now.Sub(pos.OpenedAt) / time.Second),
		},
		Extra: map[string]any{
			"level":        pos.Level,
			"nonce":        lvl.Nonce,
			"pending":      lvl.Pending,
			"current_tick": view.tick,
		},
	}
	if lvl.ReferencePrice == nil || lvl.ReferencePrice.IsZero() || view.cycle.Price == nil {
		return in
	}
	dev, err := fixedpoint.DeviationPct(view.cycle.Price, lvl.ReferencePrice)
	if err != nil {
		return in
	}
	threshold := decimal.NewFromInt(int64(a.ledger.LevelPercents()[pos.Level]))
	devPct, _ := dev.Float64()
	thrPct, _ := threshold.Float64()
	within := fixedpoint.WithinBounds(dev, threshold)
	in.DeviationPct = &devPct
	in.ThresholdPct = &thrPct
	in.WithinBounds = &within
	return in
}

func (a *App) positionState(view poolView, pos exec.Position) reward.PositionState {
	liq := decimal.Zero
	if pos.Liquidity != nil {
		liq = decimal.NewFromBigInt(pos.Liquidity, 0)
	}
	raw0, raw1 := reward.AmountsForLiquidity(liq, pos.TickLower, pos.TickUpper, view.tick)
	return reward.PositionState{
		LowerTick:    pos.TickLower,
		UpperTick:    pos.TickUpper,
		CurrentTick:  view.tick,
		Liquidity:    liq,
		Token0:       raw0.Shift(-int32(view.cfg.Decimals0)),
		Token1:       raw1.Shift(-int32(view.cfg.Decimals1)),
		CurrentPrice: view.price,
	}
}

// positionValueETH prices the position in token0, the pool's gas asset.
func positionValueETH(p reward.PositionState) decimal.Decimal {
	if !p.CurrentPrice.IsPositive() {
		return decimal.Zero
	}
	return reward.PositionValue(p).Div(p.CurrentPrice)
}

func levelOutcome(res ledger.CycleResult, level int) ledger.LevelOutcome {
	for _, lvl := range res.Levels {
		if lvl.Level == level {
			return lvl
		}
	}
	return ledger.LevelOutcome{Level: level}
}

func lastRepositioned(pos exec.Position, lvl ledger.LevelState) time.Time {
	last := pos.RebalancedAt
	if lvl.LastRepositionAt.After(last) {
		last = lvl.LastRepositionAt
	}
	return last
}

// recenter keeps the position's width and centers it on tick, aligned to
// the fee tier's tick spacing.
func recenter(pos exec.Position, tick int64) (int64, int64) {
	spacing := tickSpacing(pos.FeeTier)
	width := pos.TickUpper - pos.TickLower
	if rem := width % spacing; rem != 0 {
		width += spacing - rem
	}
	if width < spacing {
		width = spacing
	}
	minTick := -floorDiv(-fixedpoint.MinTick, spacing) * spacing
	maxTick := floorDiv(fixedpoint.MaxTick, spacing) * spacing
	lower := floorDiv(tick-width/2, spacing) * spacing
	if lower < minTick {
		lower = minTick
	}
	upper := lower + width
	if upper > maxTick {
		upper = maxTick
		lower = upper - width
	}
	return lower, upper
}

func tickSpacing(feeTier uint32) int64 {
	switch feeTier {
	case 100:
		return 1
	case 500:
		return 10
	case 10_000:
		return 200
	default:
		return 60
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// reduceBps reads the service's reduce_percentage, a fraction in (0, 1].
func reduceBps(d decision.Decision) uint64 {
	raw, ok := d.RecommendedParams["reduce_percentage"].(float64)
	if !ok || raw <= 0 || raw > 1 {
		return defaultReduceBps
	}
	return uint64(math.Round(raw * 10_000))
}

func txHashes(res exec.SyncResult) []string {
	var out []string
	for _, step := range res.Steps {
		if step.Receipt.TxHash != "" {
			out = append(out, step.Receipt.TxHash)
		}
	}
	return out
}

func relativeMove(now, ref float64) float64 {
	if ref == 0 || now == 0 {
		return 0
	}
	move := now/ref - 1
	if move < 0 {
		return -move
	}
	return move
}

func wadText(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return fixedpoint.FormatWAD(x)
}
