package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lp-rebalance-bot/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	MinWindow = time.Minute
	MaxWindow = 7 * 24 * time.Hour

	// RepositionTimeout bounds how long a request may stay pending.
	RepositionTimeout = 6 * time.Hour

	LevelCount = 4
)

// DefaultLevels are the per-level tolerances in whole percent.
var DefaultLevels = [LevelCount]uint64{1, 5, 10, 20}

var (
	ErrInvalidPool       = errors.New("invalid pool config")
	ErrInvalidWindow     = errors.New("twap window out of range")
	ErrInvalidBufferSize = errors.New("local buffer size must be > 0")
	ErrPoolExists        = errors.New("pool already registered")
	ErrUnknownPool       = errors.New("pool not registered")
	ErrInvalidLevel      = errors.New("invalid level")
	ErrWrongMode         = errors.New("operation requires local twap mode")
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrAlreadyPending    = errors.New("reposition already pending")
	ErrNoPending         = errors.New("no pending reposition")
	ErrStaleNonce        = errors.New("stale nonce")
	ErrRequestExpired    = errors.New("reposition request expired")
	ErrInvalidCandidate  = errors.New("candidate reference price is zero")
)

func IsProtocolRejection(err error) bool {
	return errors.Is(err, ErrStaleNonce) ||
		errors.Is(err, ErrNoPending) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrAlreadyPending)
}

type PoolConfig struct {
	ID         string         `json:"id" yaml:"id"`
	Address    common.Address `json:"address" yaml:"address"`
	Decimals0  uint8          `json:"decimals0" yaml:"decimals0"`
	Decimals1  uint8          `json:"decimals1" yaml:"decimals1"`
	Mode       oracle.Mode    `json:"mode" yaml:"mode"`
	Window     time.Duration  `json:"window" yaml:"window"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
}

func (p PoolConfig) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPool)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown twap mode %q", ErrInvalidPool, p.Mode)
	}
	if p.Window < MinWindow || p.Window > MaxWindow {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidWindow, p.Window, MinWindow, MaxWindow)
	}
	if p.Mode == oracle.ModeLocal && p.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	if p.Mode == oracle.ModeNative && p.Address == (common.Address{}) {
		return fmt.Errorf("%w: native mode requires a pool address", ErrInvalidPool)
	}
	return nil
}

func (p PoolConfig) Ref() oracle.PoolRef {
	return oracle.PoolRef{
		ID:        p.ID,
		Address:   p.Address,
		Decimals0: p.Decimals0,
		Decimals1: p.Decimals1,
		Mode:      p.Mode,
	}
}

type Status string

const (
	StatusStable  Status = "stable"
	StatusPending Status = "pending"
	StatusExpired Status = "expired"
)

// LevelState is replaced as a whole on every transition; holders of a value
// never observe a partial update.
type LevelState struct {
	ReferencePrice        *uint256.Int
	LastPrice             *uint256.Int
	LastDeviationBps      uint64
	Nonce                 uint64
	Pending               bool
	PendingReferencePrice *uint256.Int
	RequestedAt           time.Time
	LastRepositionAt      time.Time
}

func (s LevelState) Status(now time.Time, timeout time.Duration) Status {
	if !s.Pending {
		return StatusStable
	}
	if now.Sub(s.RequestedAt) > timeout {
		return StatusExpired
	}
	return StatusPending
}

func (s LevelState) clone() LevelState {
	out := s
	out.ReferencePrice = cloneInt(s.ReferencePrice)
	out.LastPrice = cloneInt(s.LastPrice)
	out.PendingReferencePrice = cloneInt(s.PendingReferencePrice)
	return out
}

// consistent checks pending <=> pending price != 0 <=> request time set.
func (s LevelState) consistent() bool {
	hasPrice := s.PendingReferencePrice != nil && !s.PendingReferencePrice.IsZero()
	return s.Pending == hasPrice && s.Pending == !s.RequestedAt.IsZero()
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return new(uint256.Int).Set(x)
}

func isZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

type PendingRequest struct {
	PoolID         string
	Level          int
	Nonce          uint64
	CandidatePrice *uint256.Int
	RequestedAt    time.Time
	ExpiresAt      time.Time
}

type EventKind string

const (
	EventRequested EventKind = "requested"
	EventConfirmed EventKind = "confirmed"
	EventCancelled EventKind = "cancelled"
	EventExpired   EventKind = "expired"
)

type Event struct {
	Kind   EventKind
	PoolID string
	Level  int
	Nonce  uint64
	Price  *uint256.Int
	At     time.Time
}

type EventSink interface {
	LedgerEvent(Event)
}

type LevelOutcome struct {
	Level        int
	DeviationBps uint64
	ThresholdBps uint64
	Seeded       bool
	Requested    bool
	Expired      bool
	Nonce        uint64
}

type CycleResult struct {
	PoolID string
	Price  *uint256.Int
	Levels []LevelOutcome
}
