package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrDeadlineExpired = errors.New("deadline expired")
	ErrZeroLiquidity   = errors.New("mint returned zero liquidity")
	ErrNotOwner        = errors.New("caller does not own position")
	ErrUnknownPosition = errors.New("unknown position")
	ErrInactive        = errors.New("position is not active")
	ErrNotStuck        = errors.New("handle is not recorded as stuck")
	ErrInvalidRange    = errors.New("invalid tick range")
	ErrInvalidFraction = errors.New("reduce fraction out of range")

	// ErrReverted marks a submission the chain rejected; it is never retried.
	ErrReverted = errors.New("transaction reverted")
)

type Step string

const (
	StepMint     Step = "mint"
	StepIncrease Step = "increase"
	StepDecrease Step = "decrease"
	StepCollect  Step = "collect"
	StepRefund   Step = "refund"
	StepBurn     Step = "burn"
	StepTransfer Step = "transfer"
)

type Receipt struct {
	TxHash            string   `json:"tx_hash"`
	Amount0           *big.Int `json:"amount0,omitempty"`
	Amount1           *big.Int `json:"amount1,omitempty"`
	GasUsed           uint64   `json:"gas_used"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price,omitempty"`
}

func (r Receipt) GasCost() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

type MintParams struct {
	PoolID         string
	Owner          string
	FeeTier        uint32
	TickLower      int64
	TickUpper      int64
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Deadline       time.Time
}

type MintResult struct {
	Receipt
	Handle    string   `json:"handle"`
	Liquidity *big.Int `json:"liquidity"`
}

// LiquidityManager moves capital in and out of concentrated-liquidity
// ranges. Handles are opaque token ids held by the executor.
type LiquidityManager interface {
	Mint(ctx context.Context, p MintParams) (MintResult, error)
	IncreaseLiquidity(ctx context.Context, handle string, amount0, amount1 *big.Int, deadline time.Time) (MintResult, error)
	DecreaseLiquidity(ctx context.Context, handle string, liquidity *big.Int, deadline time.Time) (Receipt, error)
	Collect(ctx context.Context, handle string) (Receipt, error)
	Burn(ctx context.Context, handle string) (Receipt, error)
	Transfer(ctx context.Context, handle, to string) (Receipt, error)
	Refund(ctx context.Context, poolID, to string, amount0, amount1 *big.Int) (Receipt, error)
}

type Position struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	PoolID       string    `json:"pool_id"`
	Level        int       `json:"level"`
	Handle       string    `json:"handle"`
	TickLower    int64     `json:"tick_lower"`
	TickUpper    int64     `json:"tick_upper"`
	Liquidity    *big.Int  `json:"liquidity"`
	FeeTier      uint32    `json:"fee_tier"`
	Active       bool      `json:"active"`
	OpenedAt     time.Time `json:"opened_at"`
	RebalancedAt time.Time `json:"rebalanced_at,omitempty"`
}

func (p Position) clone() Position {
	out := p
	if p.Liquidity != nil {
		out.Liquidity = new(big.Int).Set(p.Liquidity)
	}
	return out
}

type StepResult struct {
	Step    Step
	Receipt Receipt
}

// StepFailure reports where a multi-step operation stopped. Refunded is set
// when the compensating refund of already withdrawn funds succeeded.
type StepFailure struct {
	Step     Step
	Err      error
	Refunded bool
	Stuck    bool
}

func (f *StepFailure) Error() string {
	msg := fmt.Sprintf("%s failed: %v", f.Step, f.Err)
	if f.Refunded {
		msg += " (refunded)"
	}
	if f.Stuck {
		msg += " (handle stuck)"
	}
	return msg
}

func (f *StepFailure) Unwrap() error { return f.Err }

type StuckHandle struct {
	Handle     string    `json:"handle"`
	PoolID     string    `json:"pool_id"`
	Owner      string    `json:"owner"`
	PositionID string    `json:"position_id"`
	Step       Step      `json:"step"`
	Reason     string    `json:"reason"`
	Amount0    *big.Int  `json:"amount0,omitempty"`
	Amount1    *big.Int  `json:"amount1,omitempty"`
	At         time.Time `json:"at"`
}

type SyncResult struct {
	Position  Position
	OldHandle string
	Steps     []StepResult
	Fees0     *big.Int
	Fees1     *big.Int
	GasUsed   uint64
	GasCost   *big.Int
	Stuck     bool
}

func (r *SyncResult) add(step Step, rec Receipt) {
	r.Steps = append(r.Steps, StepResult{Step: step, Receipt: rec})
	r.GasUsed += rec.GasUsed
	if r.GasCost == nil {
		r.GasCost = new(big.Int)
	}
	r.GasCost.Add(r.GasCost, rec.GasCost())
}

func amount(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func positive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}

func sub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(amount(a), amount(b))
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}
