// Package ledger is the authoritative record of reference prices and
// reposition state for every registered pool and risk level.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lp-rebalance-bot/internal/access"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/oracle"
	"lp-rebalance-bot/internal/state"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

type Option func(*Ledger)

func WithLevels(levels [LevelCount]uint64) Option {
	return func(l *Ledger) { l.levels = levels }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

type poolEntry struct {
	cfg    PoolConfig
	levels [LevelCount]LevelState
}

type Ledger struct {
	store   state.Store
	src     oracle.Source
	local   *oracle.LocalSource
	acl     *access.ACL
	log     *zap.Logger
	sink    EventSink
	now     func() time.Time
	timeout time.Duration

	levels     [LevelCount]uint64
	thresholds [LevelCount]uint64

	mu    sync.RWMutex
	pools map[string]*poolEntry
}

func New(store state.Store, src oracle.Source, local *oracle.LocalSource, acl *access.ACL, log *zap.Logger, opts ...Option) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		store:   store,
		src:     src,
		local:   local,
		acl:     acl,
		log:     log,
		now:     time.Now,
		timeout: RepositionTimeout,
		levels:  DefaultLevels,
		pools:   make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i, pct := range l.levels {
		bps, err := fixedpoint.ThresholdBps(pct)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		l.thresholds[i] = bps
	}
	return l, nil
}

func (l *Ledger) RegisterPool(ctx context.Context, caller string, cfg PoolConfig, initialRef *uint256.Int) error {
	if err := l.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode == oracle.ModeLocal && l.local == nil {
		return fmt.Errorf("%w: local source not configured", ErrWrongMode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, cfg.ID)
	}
	entry := &poolEntry{cfg: cfg}
	if !isZero(initialRef) {
		for i := range entry.levels {
			entry.levels[i].ReferencePrice = cloneInt(initialRef)
		}
	}
	if err := l.persistPool(ctx, entry); err != nil {
		return err
	}
	if err := l.persistPoolList(ctx, cfg.ID); err != nil {
		return err
	}
	if cfg.Mode == oracle.ModeLocal {
		if err := l.local.Register(cfg.ID, cfg.BufferSize); err != nil {
			return err
		}
	}
	l.pools[cfg.ID] = entry
	l.log.Info("pool registered",
		zap.String("pool", cfg.ID),
		zap.String("mode", string(cfg.Mode)),
		zap.Duration("window", cfg.Window),
	)
	return nil
}

func (l *Ledger) UpdatePool(ctx context.Context, caller string, cfg PoolConfig) error {
	if err := l.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode == oracle.ModeLocal && l.local == nil {
		return fmt.Errorf("%w: local source not configured", ErrWrongMode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.pools[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, cfg.ID)
	}
	next := &poolEntry{cfg: cfg, levels: entry.levels}
	if err := state.SaveJSON(ctx, l.store, poolKey(cfg.ID), cfg); err != nil {
		return err
	}
	if cfg.Mode == oracle.ModeLocal {
		if err := l.local.Register(cfg.ID, cfg.BufferSize); err != nil {
			return err
		}
	}
	l.pools[cfg.ID] = next
	l.log.Info("pool updated", zap.String("pool", cfg.ID))
	return nil
}

func (l *Ledger) PushSample(ctx context.Context, caller, poolID string, at time.Time, price *uint256.Int) error {
	if err := l.acl.Require(caller, access.RoleKeeper, access.RoleAdmin); err != nil {
		return err
	}
	l.mu.RLock()
	entry, ok := l.pools[poolID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	if entry.cfg.Mode != oracle.ModeLocal {
		return fmt.Errorf("%w: pool %s", ErrWrongMode, poolID)
	}
	if err := l.local.Push(poolID, oracle.Sample{Timestamp: at.Unix(), Price: price}); err != nil {
		return err
	}
	return l.persistBuffer(ctx, poolID)
}

// ProcessPool runs one observation cycle. An unavailable TWAP leaves every
// level untouched.
func (l *Ledger) ProcessPool(ctx context.Context, poolID string) (CycleResult, error) {
	l.mu.RLock()
	entry, ok := l.pools[poolID]
	l.mu.RUnlock()
	if !ok {
		return CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	if l.src == nil {
		return CycleResult{}, fmt.Errorf("%w: no price source", ErrOracleUnavailable)
	}
	price, err := l.src.TWAP(ctx, entry.cfg.Ref(), entry.cfg.Window)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if isZero(price) {
		return CycleResult{}, fmt.Errorf("%w: zero twap for %s", ErrOracleUnavailable, poolID)
	}

	now := l.now()
	result := CycleResult{PoolID: poolID, Price: cloneInt(price)}
	var events []Event

	l.mu.Lock()
	entry, ok = l.pools[poolID]
	if !ok {
		l.mu.Unlock()
		return CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	for i := range entry.levels {
		outcome, evs, err := l.observeLocked(ctx, entry, i, price, now)
		events = append(events, evs...)
		if err != nil {
			l.mu.Unlock()
			l.emit(events)
			return result, fmt.Errorf("pool %s level %d: %w", poolID, i, err)
		}
		result.Levels = append(result.Levels, outcome)
	}
	l.mu.Unlock()
	l.emit(events)
	return result, nil
}

func (l *Ledger) observeLocked(ctx context.Context, entry *poolEntry, level int, price *uint256.Int, now time.Time) (LevelOutcome, []Event, error) {
	var events []Event
	outcome := LevelOutcome{Level: level, ThresholdBps: l.thresholds[level]}

	cur := entry.levels[level]
	if cur.Status(now, l.timeout) == StatusExpired {
		next := expireState(cur)
		if err := l.commitLocked(ctx, entry, level, next); err != nil {
			return outcome, events, err
		}
		events = append(events, Event{Kind: EventExpired, PoolID: entry.cfg.ID, Level: level, Nonce: next.Nonce, At: now})
		outcome.Expired = true
		cur = next
	}

	next := cur.clone()
	next.LastPrice = cloneInt(price)
	if isZero(next.ReferencePrice) {
		next.ReferencePrice = cloneInt(price)
		next.LastDeviationBps = 0
		outcome.Seeded = true
		outcome.Nonce = next.Nonce
		return outcome, events, l.commitLocked(ctx, entry, level, next)
	}
	bps, err := fixedpoint.DeviationBps(price, next.ReferencePrice)
	if err != nil {
		return outcome, events, err
	}
	next.LastDeviationBps = bps
	outcome.DeviationBps = bps

	if bps > l.thresholds[level] && !next.Pending {
		next, err = requestState(next, price, now, l.timeout)
		if err != nil {
			return outcome, events, err
		}
		outcome.Requested = true
		events = append(events, Event{Kind: EventRequested, PoolID: entry.cfg.ID, Level: level, Nonce: next.Nonce, Price: cloneInt(price), At: now})
	}
	outcome.Nonce = next.Nonce
	return outcome, events, l.commitLocked(ctx, entry, level, next)
}

func (l *Ledger) ProcessPools(ctx context.Context, ids ...string) ([]CycleResult, error) {
	if len(ids) == 0 {
		ids = l.poolIDs()
	}
	var (
		results []CycleResult
		errs    []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := l.ProcessPool(ctx, id)
		if err != nil {
			l.log.Warn("pool cycle skipped", zap.String("pool", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// commitLocked persists next and swaps it in. Callers hold l.mu.
func (l *Ledger) commitLocked(ctx context.Context, entry *poolEntry, level int, next LevelState) error {
	if !next.consistent() {
		return fmt.Errorf("inconsistent level state for %s level %d", entry.cfg.ID, level)
	}
	if err := state.SaveJSON(ctx, l.store, levelKey(entry.cfg.ID, level), encodeLevel(next)); err != nil {
		return err
	}
	entry.levels[level] = next
	return nil
}

func (l *Ledger) emit(events []Event) {
	for _, ev := range events {
		l.log.Info("reposition "+string(ev.Kind),
			zap.String("pool", ev.PoolID),
			zap.Int("level", ev.Level),
			zap.Uint64("nonce", ev.Nonce),
		)
		if l.sink != nil {
			l.sink.LedgerEvent(ev)
		}
	}
}

func (l *Ledger) entry(poolID string, level int) (*poolEntry, error) {
	entry, ok := l.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	if level < 0 || level >= LevelCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return entry, nil
}

func (l *Ledger) poolIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) Pools() []PoolConfig {
	ids := l.poolIDs()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PoolConfig, 0, len(ids))
	for _, id := range ids {
		if entry, ok := l.pools[id]; ok {
			out = append(out, entry.cfg)
		}
	}
	return out
}

func (l *Ledger) Pool(poolID string) (PoolConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.pools[poolID]
	if !ok {
		return PoolConfig{}, false
	}
	return entry.cfg, true
}

func (l *Ledger) Level(poolID string, level int) (LevelState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, err := l.entry(poolID, level)
	if err != nil {
		return LevelState{}, err
	}
	return entry.levels[level].clone(), nil
}

func (l *Ledger) Levels(poolID string) ([LevelCount]LevelState, error) {
	var out [LevelCount]LevelState
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.pools[poolID]
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	for i, s := range entry.levels {
		out[i] = s.clone()
	}
	return out, nil
}

func (l *Ledger) Pending() []PendingRequest {
	ids := l.poolIDs()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []PendingRequest
	for _, id := range ids {
		entry, ok := l.pools[id]
		if !ok {
			continue
		}
		for i, s := range entry.levels {
			if !s.Pending {
				continue
			}
			out = append(out, PendingRequest{
				PoolID:         id,
				Level:          i,
				Nonce:          s.Nonce,
				CandidatePrice: cloneInt(s.PendingReferencePrice),
				RequestedAt:    s.RequestedAt,
				ExpiresAt:      s.RequestedAt.Add(l.timeout),
			})
		}
	}
	return out
}

func (l *Ledger) Thresholds() [LevelCount]uint64 { return l.thresholds }

func (l *Ledger) LevelPercents() [LevelCount]uint64 { return l.levels }

func (l *Ledger) Timeout() time.Duration { return l.timeout }

func (l *Ledger) GrantRole(caller, account string, role access.Role) error {
	return l.acl.Grant(caller, account, role)
}

func (l *Ledger) RevokeRole(caller, account string, role access.Role) error {
	return l.acl.Revoke(caller, account, role)
}
