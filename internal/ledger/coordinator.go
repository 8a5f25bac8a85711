package ledger

import (
	"context"
	"fmt"
	"time"

	"lp-rebalance-bot/internal/access"

	"github.com/holiman/uint256"
)

// Transitions are pure: each takes the current state and returns the full
// replacement, or an error and no change.

func requestState(cur LevelState, candidate *uint256.Int, now time.Time, timeout time.Duration) (LevelState, error) {
	if isZero(candidate) {
		return cur, ErrInvalidCandidate
	}
	switch cur.Status(now, timeout) {
	case StatusPending:
		return cur, ErrAlreadyPending
	case StatusExpired:
		cur = expireState(cur)
	}
	next := cur.clone()
	next.Nonce = cur.Nonce + 1
	next.Pending = true
	next.PendingReferencePrice = cloneInt(candidate)
	next.RequestedAt = now
	return next, nil
}

func confirmState(cur LevelState, nonce uint64, now time.Time, timeout time.Duration) (LevelState, error) {
	switch cur.Status(now, timeout) {
	case StatusStable:
		return cur, ErrNoPending
	case StatusExpired:
		if nonce != cur.Nonce {
			return cur, fmt.Errorf("%w: got %d, current %d", ErrStaleNonce, nonce, cur.Nonce)
		}
		return cur, ErrRequestExpired
	}
	if nonce != cur.Nonce {
		return cur, fmt.Errorf("%w: got %d, current %d", ErrStaleNonce, nonce, cur.Nonce)
	}
	next := cur.clone()
	next.ReferencePrice = cloneInt(cur.PendingReferencePrice)
	next.LastDeviationBps = 0
	next.LastRepositionAt = now
	return clearPending(next), nil
}

func cancelState(cur LevelState) (LevelState, error) {
	if !cur.Pending {
		return cur, ErrNoPending
	}
	return clearPending(cur.clone()), nil
}

// expireState drops the pending request. The nonce stays incremented and the
// reference price is untouched.
func expireState(cur LevelState) LevelState {
	return clearPending(cur.clone())
}

func clearPending(s LevelState) LevelState {
	s.Pending = false
	s.PendingReferencePrice = nil
	s.RequestedAt = time.Time{}
	return s
}

// Confirm commits the pending reference price when nonce matches the open
// request. Rejections leave the level untouched.
func (l *Ledger) Confirm(ctx context.Context, caller, poolID string, level int, nonce uint64) (LevelState, error) {
	if err := l.acl.Require(caller, access.RoleKeeper); err != nil {
		return LevelState{}, err
	}
	now := l.now()
	l.mu.Lock()
	entry, err := l.entry(poolID, level)
	if err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	next, err := confirmState(entry.levels[level], nonce, now, l.timeout)
	if err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	if err := l.commitLocked(ctx, entry, level, next); err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	l.mu.Unlock()
	l.emit([]Event{{Kind: EventConfirmed, PoolID: poolID, Level: level, Nonce: nonce, Price: cloneInt(next.ReferencePrice), At: now}})
	return next.clone(), nil
}

func (l *Ledger) Cancel(ctx context.Context, caller, poolID string, level int) (LevelState, error) {
	if err := l.acl.Require(caller, access.RoleAdmin); err != nil {
		return LevelState{}, err
	}
	now := l.now()
	l.mu.Lock()
	entry, err := l.entry(poolID, level)
	if err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	next, err := cancelState(entry.levels[level])
	if err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	if err := l.commitLocked(ctx, entry, level, next); err != nil {
		l.mu.Unlock()
		return LevelState{}, err
	}
	l.mu.Unlock()
	l.emit([]Event{{Kind: EventCancelled, PoolID: poolID, Level: level, Nonce: next.Nonce, At: now}})
	return next.clone(), nil
}

func (l *Ledger) ExpireStale(ctx context.Context, poolID string) ([]int, error) {
	now := l.now()
	l.mu.Lock()
	entry, ok := l.pools[poolID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	var (
		expired []int
		events  []Event
	)
	for i, cur := range entry.levels {
		if cur.Status(now, l.timeout) != StatusExpired {
			continue
		}
		next := expireState(cur)
		if err := l.commitLocked(ctx, entry, i, next); err != nil {
			l.mu.Unlock()
			l.emit(events)
			return expired, err
		}
		expired = append(expired, i)
		events = append(events, Event{Kind: EventExpired, PoolID: poolID, Level: i, Nonce: next.Nonce, At: now})
	}
	l.mu.Unlock()
	l.emit(events)
	return expired, nil
}
