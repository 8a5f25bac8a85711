package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lp-rebalance-bot/internal/access"
	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OpenRequest struct {
	PoolID    string
	Level     int
	FeeTier   uint32
	TickLower int64
	TickUpper int64
	Amount0   *big.Int
	Amount1   *big.Int
	Deadline  time.Time
}

func validRange(lower, upper int64) error {
	if lower >= upper || lower < fixedpoint.MinTick || upper > fixedpoint.MaxTick {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, lower, upper)
	}
	return nil
}

func (e *Executor) Open(ctx context.Context, caller string, req OpenRequest) (Position, error) {
	if !req.Deadline.IsZero() && !e.now().Before(req.Deadline) {
		return Position{}, ErrDeadlineExpired
	}
	if err := validRange(req.TickLower, req.TickUpper); err != nil {
		return Position{}, err
	}
	id := uuid.NewString()
	minted, err := runStep(ctx, e, id+":"+string(StepMint), func(ctx context.Context) (MintResult, error) {
		return e.lm.Mint(ctx, MintParams{
			PoolID:         req.PoolID,
			Owner:          caller,
			FeeTier:        req.FeeTier,
			TickLower:      req.TickLower,
			TickUpper:      req.TickUpper,
			Amount0Desired: amount(req.Amount0),
			Amount1Desired: amount(req.Amount1),
			Deadline:       req.Deadline,
		})
	})
	if err != nil {
		return Position{}, &StepFailure{Step: StepMint, Err: err}
	}
	if !positive(minted.Liquidity) {
		e.refundLeftover(ctx, req.PoolID, id, id, normalizeAccount(caller), sub(req.Amount0, minted.Amount0), sub(req.Amount1, minted.Amount1))
		if minted.Handle != "" {
			e.cleanup(ctx, Position{ID: id, PoolID: req.PoolID, Owner: caller}, minted.Handle, id)
		}
		return Position{}, ErrZeroLiquidity
	}
	e.refundLeftover(ctx, req.PoolID, id, id, normalizeAccount(caller), sub(req.Amount0, minted.Amount0), sub(req.Amount1, minted.Amount1))

	now := e.now()
	pos := Position{
		ID:        id,
		Owner:     normalizeAccount(caller),
		PoolID:    req.PoolID,
		Level:     req.Level,
		Handle:    minted.Handle,
		TickLower: req.TickLower,
		TickUpper: req.TickUpper,
		Liquidity: new(big.Int).Set(minted.Liquidity),
		FeeTier:   req.FeeTier,
		Active:    true,
		OpenedAt:  now,
	}
	if err := e.savePosition(ctx, pos); err != nil {
		return pos, err
	}
	e.log.Info("position opened",
		zap.String("position", id),
		zap.String("pool", req.PoolID),
		zap.String("handle", minted.Handle),
		zap.String("liquidity", minted.Liquidity.String()),
	)
	return pos, nil
}

func (e *Executor) Increase(ctx context.Context, caller, positionID string, amount0, amount1 *big.Int, deadline time.Time) (Position, error) {
	pos, err := e.lookup(positionID)
	if err != nil {
		return Position{}, err
	}
	if err := e.authorize(caller, pos); err != nil {
		return Position{}, err
	}
	if !pos.Active {
		return Position{}, ErrInactive
	}
	if !deadline.IsZero() && !e.now().Before(deadline) {
		return Position{}, ErrDeadlineExpired
	}
	res, err := retryStep(ctx, e, func(ctx context.Context) (MintResult, error) {
		return e.lm.IncreaseLiquidity(ctx, pos.Handle, amount(amount0), amount(amount1), deadline)
	})
	if err != nil {
		return Position{}, &StepFailure{Step: StepIncrease, Err: err}
	}
	e.refundLeftover(ctx, pos.PoolID, pos.ID, "", pos.Owner, sub(amount0, res.Amount0), sub(amount1, res.Amount1))
	pos.Liquidity = new(big.Int).Add(amount(pos.Liquidity), amount(res.Liquidity))
	return pos, e.savePosition(ctx, pos)
}

func (e *Executor) CollectFees(ctx context.Context, caller, positionID string) (Receipt, error) {
	pos, err := e.lookup(positionID)
	if err != nil {
		return Receipt{}, err
	}
	if err := e.authorize(caller, pos, access.RoleKeeper); err != nil {
		return Receipt{}, err
	}
	collected, err := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
		return e.lm.Collect(ctx, pos.Handle)
	})
	if err != nil {
		return Receipt{}, &StepFailure{Step: StepCollect, Err: err}
	}
	if positive(collected.Amount0) || positive(collected.Amount1) {
		if _, err := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
			return e.lm.Refund(ctx, pos.PoolID, pos.Owner, amount(collected.Amount0), amount(collected.Amount1))
		}); err != nil {
			e.recordStuck(ctx, StuckHandle{
				PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepRefund, Reason: err.Error(),
				Amount0: collected.Amount0, Amount1: collected.Amount1,
			})
			return collected, &StepFailure{Step: StepRefund, Err: err, Stuck: true}
		}
	}
	return collected, nil
}

// Reduce withdraws fractionBps of the position's liquidity and returns it,
// with accrued fees, to the owner. The range is kept.
func (e *Executor) Reduce(ctx context.Context, caller, positionID string, fractionBps uint64, opKey string) (SyncResult, error) {
	pos, err := e.lookup(positionID)
	if err != nil {
		return SyncResult{}, err
	}
	if err := e.authorize(caller, pos, access.RoleKeeper); err != nil {
		return SyncResult{}, err
	}
	if !pos.Active {
		return SyncResult{}, ErrInactive
	}
	if fractionBps == 0 || fractionBps > 10_000 {
		return SyncResult{}, fmt.Errorf("%w: %d bps", ErrInvalidFraction, fractionBps)
	}
	if opKey == "" {
		opKey = uuid.NewString()
	}
	opKey = "reduce:" + pos.ID + ":" + opKey
	key := func(s Step) string { return opKey + ":" + string(s) }
	res := SyncResult{Position: pos, OldHandle: pos.Handle}

	part := new(big.Int).Mul(amount(pos.Liquidity), new(big.Int).SetUint64(fractionBps))
	part.Quo(part, big.NewInt(10_000))
	if part.Sign() > 0 {
		withdrawn, err := runStep(ctx, e, key(StepDecrease), func(ctx context.Context) (Receipt, error) {
			return e.lm.DecreaseLiquidity(ctx, pos.Handle, part, time.Time{})
		})
		if err != nil {
			return res, &StepFailure{Step: StepDecrease, Err: err}
		}
		res.add(StepDecrease, withdrawn)
		pos.Liquidity = new(big.Int).Sub(amount(pos.Liquidity), part)
		res.Position = pos
		if err := e.savePosition(ctx, pos); err != nil {
			e.log.Warn("failed to persist position", zap.String("position", pos.ID), zap.Error(err))
		}
	}
	collected, err := runStep(ctx, e, key(StepCollect), func(ctx context.Context) (Receipt, error) {
		return e.lm.Collect(ctx, pos.Handle)
	})
	if err != nil {
		e.recordStuck(ctx, StuckHandle{Handle: pos.Handle, PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepCollect, Reason: err.Error()})
		return res, &StepFailure{Step: StepCollect, Err: err, Stuck: true}
	}
	res.add(StepCollect, collected)
	e.refundLeftover(ctx, pos.PoolID, pos.ID, opKey, pos.Owner, amount(collected.Amount0), amount(collected.Amount1))
	e.log.Info("position reduced",
		zap.String("position", pos.ID),
		zap.Uint64("fraction_bps", fractionBps),
		zap.String("liquidity", amount(pos.Liquidity).String()),
	)
	return res, nil
}

// Sync moves a position to [lower, upper]: withdraw, collect, mint, refund
// leftovers, burn the old handle. opKey makes every step idempotent across
// restarts; callers derive it from the reposition nonce.
func (e *Executor) Sync(ctx context.Context, caller, positionID string, lower, upper int64, opKey string) (SyncResult, error) {
	pos, err := e.lookup(positionID)
	if err != nil {
		return SyncResult{}, err
	}
	if err := e.authorize(caller, pos, access.RoleKeeper); err != nil {
		return SyncResult{}, err
	}
	if !pos.Active {
		return SyncResult{}, ErrInactive
	}
	if err := validRange(lower, upper); err != nil {
		return SyncResult{}, err
	}
	if opKey == "" {
		opKey = uuid.NewString()
	}
	res, failure := e.reallocate(ctx, pos, lower, upper, "sync:"+pos.ID+":"+opKey)
	if failure != nil {
		return res, failure
	}
	return res, nil
}

// reallocate chains the steps of a range move. The returned failure, when
// set, names the step that stopped the chain.
func (e *Executor) reallocate(ctx context.Context, pos Position, lower, upper int64, opKey string) (SyncResult, *StepFailure) {
	res := SyncResult{Position: pos, OldHandle: pos.Handle}
	key := func(s Step) string { return opKey + ":" + string(s) }

	withdrawn, err := runStep(ctx, e, key(StepDecrease), func(ctx context.Context) (Receipt, error) {
		return e.lm.DecreaseLiquidity(ctx, pos.Handle, amount(pos.Liquidity), time.Time{})
	})
	if err != nil {
		return res, &StepFailure{Step: StepDecrease, Err: err}
	}
	res.add(StepDecrease, withdrawn)

	collected, err := runStep(ctx, e, key(StepCollect), func(ctx context.Context) (Receipt, error) {
		return e.lm.Collect(ctx, pos.Handle)
	})
	if err != nil {
		// Liquidity is out of the range but still owed to the handle.
		pos.Liquidity = new(big.Int)
		res.Position = pos
		_ = e.savePosition(ctx, pos)
		e.recordStuck(ctx, StuckHandle{Handle: pos.Handle, PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepCollect, Reason: err.Error()})
		return res, &StepFailure{Step: StepCollect, Err: err, Stuck: true}
	}
	res.add(StepCollect, collected)
	res.Fees0 = sub(collected.Amount0, withdrawn.Amount0)
	res.Fees1 = sub(collected.Amount1, withdrawn.Amount1)

	minted, err := runStep(ctx, e, key(StepMint), func(ctx context.Context) (MintResult, error) {
		return e.lm.Mint(ctx, MintParams{
			PoolID:         pos.PoolID,
			Owner:          pos.Owner,
			FeeTier:        pos.FeeTier,
			TickLower:      lower,
			TickUpper:      upper,
			Amount0Desired: amount(collected.Amount0),
			Amount1Desired: amount(collected.Amount1),
		})
	})
	if err == nil && !positive(minted.Liquidity) {
		err = ErrZeroLiquidity
	}
	if err != nil {
		failure := &StepFailure{Step: StepMint, Err: err}
		refund, rerr := runStep(ctx, e, key(StepRefund), func(ctx context.Context) (Receipt, error) {
			return e.lm.Refund(ctx, pos.PoolID, pos.Owner, amount(collected.Amount0), amount(collected.Amount1))
		})
		if rerr != nil {
			e.recordStuck(ctx, StuckHandle{
				PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepRefund, Reason: rerr.Error(),
				Amount0: collected.Amount0, Amount1: collected.Amount1,
			})
			failure.Err = errors.Join(err, rerr)
			failure.Stuck = true
		} else {
			res.add(StepRefund, refund)
			failure.Refunded = true
		}
		// Capital is back with the owner; the emptied range is retired.
		pos.Liquidity = new(big.Int)
		pos.Active = false
		if !e.cleanup(ctx, pos, pos.Handle, opKey) {
			failure.Stuck = true
		}
		res.Position = pos
		_ = e.savePosition(ctx, pos)
		return res, failure
	}
	res.add(StepMint, minted.Receipt)

	e.refundLeftover(ctx, pos.PoolID, pos.ID, opKey, pos.Owner, sub(collected.Amount0, minted.Amount0), sub(collected.Amount1, minted.Amount1))

	old := pos.Handle
	pos.Handle = minted.Handle
	pos.TickLower = lower
	pos.TickUpper = upper
	pos.Liquidity = new(big.Int).Set(minted.Liquidity)
	pos.RebalancedAt = e.now()
	res.Position = pos
	if err := e.savePosition(ctx, pos); err != nil {
		e.log.Warn("failed to persist position", zap.String("position", pos.ID), zap.Error(err))
	}
	if !e.cleanup(ctx, pos, old, opKey) {
		res.Stuck = true
	}
	e.log.Info("position reallocated",
		zap.String("position", pos.ID),
		zap.String("old_handle", old),
		zap.String("handle", pos.Handle),
		zap.Int64("tick_lower", lower),
		zap.Int64("tick_upper", upper),
	)
	return res, nil
}

func (e *Executor) Close(ctx context.Context, caller, positionID string) (SyncResult, error) {
	pos, err := e.lookup(positionID)
	if err != nil {
		return SyncResult{}, err
	}
	if err := e.authorize(caller, pos); err != nil {
		return SyncResult{}, err
	}
	if !pos.Active {
		return SyncResult{}, ErrInactive
	}
	res := SyncResult{Position: pos, OldHandle: pos.Handle}
	opKey := "close:" + pos.ID
	key := func(s Step) string { return opKey + ":" + string(s) }

	if positive(pos.Liquidity) {
		withdrawn, err := runStep(ctx, e, key(StepDecrease), func(ctx context.Context) (Receipt, error) {
			return e.lm.DecreaseLiquidity(ctx, pos.Handle, pos.Liquidity, time.Time{})
		})
		if err != nil {
			return res, &StepFailure{Step: StepDecrease, Err: err}
		}
		res.add(StepDecrease, withdrawn)
	}
	collected, err := runStep(ctx, e, key(StepCollect), func(ctx context.Context) (Receipt, error) {
		return e.lm.Collect(ctx, pos.Handle)
	})
	if err != nil {
		pos.Liquidity = new(big.Int)
		_ = e.savePosition(ctx, pos)
		e.recordStuck(ctx, StuckHandle{Handle: pos.Handle, PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepCollect, Reason: err.Error()})
		return res, &StepFailure{Step: StepCollect, Err: err, Stuck: true}
	}
	res.add(StepCollect, collected)
	e.refundLeftover(ctx, pos.PoolID, pos.ID, opKey, pos.Owner, amount(collected.Amount0), amount(collected.Amount1))

	pos.Liquidity = new(big.Int)
	pos.Active = false
	res.Position = pos
	if err := e.savePosition(ctx, pos); err != nil {
		return res, err
	}
	if !e.cleanup(ctx, pos, pos.Handle, opKey) {
		res.Stuck = true
	}
	e.log.Info("position closed", zap.String("position", pos.ID))
	return res, nil
}

func (e *Executor) RecoverStuck(ctx context.Context, caller, handle, positionID string) error {
	if err := e.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	idx := -1
	var entry StuckHandle
	e.mu.Lock()
	for i, s := range e.stuck {
		if (handle != "" && s.Handle == handle) || (handle == "" && s.Handle == "" && s.PositionID == positionID) {
			idx, entry = i, s
			break
		}
	}
	e.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrNotStuck, handle)
	}

	if entry.Handle != "" {
		collected, err := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
			return e.lm.Collect(ctx, entry.Handle)
		})
		if err != nil {
			return &StepFailure{Step: StepCollect, Err: err, Stuck: true}
		}
		entry.Amount0 = collected.Amount0
		entry.Amount1 = collected.Amount1
	}
	if positive(entry.Amount0) || positive(entry.Amount1) {
		if _, err := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
			return e.lm.Refund(ctx, entry.PoolID, entry.Owner, amount(entry.Amount0), amount(entry.Amount1))
		}); err != nil {
			return &StepFailure{Step: StepRefund, Err: err, Stuck: true}
		}
	}
	if entry.Handle != "" {
		if _, err := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
			return e.lm.Burn(ctx, entry.Handle)
		}); err != nil {
			if _, terr := retryStep(ctx, e, func(ctx context.Context) (Receipt, error) {
				return e.lm.Transfer(ctx, entry.Handle, entry.Owner)
			}); terr != nil {
				return &StepFailure{Step: StepTransfer, Err: errors.Join(err, terr), Stuck: true}
			}
		}
	}
	if err := e.removeStuck(ctx, idx); err != nil {
		return err
	}
	e.log.Info("stuck capital recovered",
		zap.String("handle", entry.Handle),
		zap.String("position", entry.PositionID),
	)
	return nil
}

// cleanup burns handle, falling back to a transfer to the owner. A handle
// neither step could move is recorded as stuck.
func (e *Executor) cleanup(ctx context.Context, pos Position, handle, opKey string) bool {
	_, err := runStep(ctx, e, opKey+":"+string(StepBurn)+":"+handle, func(ctx context.Context) (Receipt, error) {
		return e.lm.Burn(ctx, handle)
	})
	if err == nil {
		return true
	}
	e.log.Warn("burn failed", zap.String("handle", handle), zap.Error(err))
	_, terr := runStep(ctx, e, opKey+":"+string(StepTransfer)+":"+handle, func(ctx context.Context) (Receipt, error) {
		return e.lm.Transfer(ctx, handle, pos.Owner)
	})
	if terr == nil {
		return true
	}
	e.recordStuck(ctx, StuckHandle{
		Handle: handle, PoolID: pos.PoolID, Owner: pos.Owner, PositionID: pos.ID, Step: StepBurn,
		Reason: errors.Join(err, terr).Error(),
	})
	return false
}

func (e *Executor) refundLeftover(ctx context.Context, poolID, positionID, opKey, owner string, amount0, amount1 *big.Int) {
	if !positive(amount0) && !positive(amount1) {
		return
	}
	key := ""
	if opKey != "" {
		key = opKey + ":leftover"
	}
	if _, err := runStep(ctx, e, key, func(ctx context.Context) (Receipt, error) {
		return e.lm.Refund(ctx, poolID, owner, amount0, amount1)
	}); err != nil {
		e.recordStuck(ctx, StuckHandle{
			PoolID: poolID, Owner: owner, PositionID: positionID, Step: StepRefund, Reason: err.Error(),
			Amount0: amount0, Amount1: amount1,
		})
	}
}

func normalizeAccount(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}
