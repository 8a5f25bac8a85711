package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lp-rebalance-bot/internal/access"
	"lp-rebalance-bot/internal/state"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	keyStepPrefix     = "exec:step:"
	keyPositionPrefix = "exec:position:"
	keyPositions      = "exec:positions"
	keyStuck          = "exec:stuck"
)

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRetry(attempts int, initial, max time.Duration) Option {
	return func(e *Executor) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if initial > 0 {
			e.retryInitial = initial
		}
		if max > 0 {
			e.retryMax = max
		}
	}
}

func WithTxTimeout(d time.Duration) Option {
	return func(e *Executor) { e.txTimeout = d }
}

type Executor struct {
	lm    LiquidityManager
	store state.Store
	acl   *access.ACL
	log   *zap.Logger
	now   func() time.Time

	attempts     int
	retryInitial time.Duration
	retryMax     time.Duration
	txTimeout    time.Duration

	mu        sync.Mutex
	cache     map[string]string
	positions map[string]Position
	stuck     []StuckHandle
}

func New(lm LiquidityManager, store state.Store, acl *access.ACL, log *zap.Logger, opts ...Option) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		lm:           lm,
		store:        store,
		acl:          acl,
		log:          log,
		now:          time.Now,
		attempts:     5,
		retryInitial: 200 * time.Millisecond,
		retryMax:     5 * time.Second,
		cache:        make(map[string]string),
		positions:    make(map[string]Position),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runStep submits fn at most once per key. Completed results are cached in
// memory and in the store so a restarted process never replays them.
func runStep[T any](ctx context.Context, e *Executor, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return retryStep(ctx, e, fn)
	}
	cacheKey := keyStepPrefix + key
	e.mu.Lock()
	raw, ok := e.cache[cacheKey]
	e.mu.Unlock()
	if !ok && e.store != nil {
		var err error
		raw, ok, err = e.store.Get(ctx, cacheKey)
		if err != nil {
			return zero, err
		}
	}
	if ok {
		var out T
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return zero, fmt.Errorf("decode cached step %s: %w", key, err)
		}
		e.log.Debug("step already completed", zap.String("key", key))
		return out, nil
	}

	out, err := retryStep(ctx, e, fn)
	if err != nil {
		return zero, err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return out, nil
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, string(payload)); err != nil {
			e.log.Warn("failed to persist step result", zap.String("key", key), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = string(payload)
	e.mu.Unlock()
	return out, nil
}

func retryStep[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.retry(ctx, func() error {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.txTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, e.txTimeout)
		}
		defer cancel()
		var err error
		out, err = fn(stepCtx)
		return err
	})
	return out, err
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxInterval = e.retryMax
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrReverted) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		e.log.Warn("step submission failed", zap.Error(err))
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	return nil
}

func (e *Executor) authorize(caller string, pos Position, roles ...access.Role) error {
	if sameAccount(caller, pos.Owner) {
		return nil
	}
	if len(roles) > 0 && e.acl.Require(caller, roles...) == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotOwner, pos.ID)
}

func (e *Executor) Position(id string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[id]
	if !ok {
		return Position{}, false
	}
	return pos.clone(), true
}

func (e *Executor) Positions(poolID string) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Position
	for _, pos := range e.positions {
		if !pos.Active || (poolID != "" && pos.PoolID != poolID) {
			continue
		}
		out = append(out, pos.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Executor) Stuck() []StuckHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StuckHandle, len(e.stuck))
	copy(out, e.stuck)
	return out
}

func (e *Executor) lookup(id string) (Position, error) {
	pos, ok := e.Position(id)
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	return pos, nil
}

func (e *Executor) savePosition(ctx context.Context, pos Position) error {
	e.mu.Lock()
	_, known := e.positions[pos.ID]
	e.positions[pos.ID] = pos.clone()
	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	if err := state.SaveJSON(ctx, e.store, keyPositionPrefix+pos.ID, pos); err != nil {
		return err
	}
	if known {
		return nil
	}
	sort.Strings(ids)
	return state.SaveJSON(ctx, e.store, keyPositions, ids)
}

func (e *Executor) recordStuck(ctx context.Context, entry StuckHandle) {
	entry.At = e.now()
	e.mu.Lock()
	e.stuck = append(e.stuck, entry)
	snapshot := make([]StuckHandle, len(e.stuck))
	copy(snapshot, e.stuck)
	e.mu.Unlock()
	e.log.Error("capital stuck",
		zap.String("handle", entry.Handle),
		zap.String("position", entry.PositionID),
		zap.String("step", string(entry.Step)),
		zap.String("reason", entry.Reason),
	)
	if err := state.SaveJSON(ctx, e.store, keyStuck, snapshot); err != nil {
		e.log.Warn("failed to persist stuck handles", zap.Error(err))
	}
}

func (e *Executor) removeStuck(ctx context.Context, idx int) error {
	e.mu.Lock()
	e.stuck = append(e.stuck[:idx:idx], e.stuck[idx+1:]...)
	snapshot := make([]StuckHandle, len(e.stuck))
	copy(snapshot, e.stuck)
	e.mu.Unlock()
	return state.SaveJSON(ctx, e.store, keyStuck, snapshot)
}

func (e *Executor) Load(ctx context.Context) error {
	var ids []string
	if _, err := state.LoadJSON(ctx, e.store, keyPositions, &ids); err != nil {
		return fmt.Errorf("load position index: %w", err)
	}
	positions := make(map[string]Position, len(ids))
	for _, id := range ids {
		var pos Position
		ok, err := state.LoadJSON(ctx, e.store, keyPositionPrefix+id, &pos)
		if err != nil {
			return fmt.Errorf("load position %s: %w", id, err)
		}
		if ok {
			positions[id] = pos
		}
	}
	var stuck []StuckHandle
	if _, err := state.LoadJSON(ctx, e.store, keyStuck, &stuck); err != nil {
		return fmt.Errorf("load stuck handles: %w", err)
	}
	steps := make(map[string]string)
	if sc, ok := e.store.(state.Scanner); ok {
		var err error
		if steps, _, err = sc.Scan(ctx, keyStepPrefix); err != nil {
			return fmt.Errorf("load completed steps: %w", err)
		}
	}
	e.mu.Lock()
	e.positions = positions
	e.stuck = stuck
	for k, v := range steps {
		e.cache[k] = v
	}
	e.mu.Unlock()
	e.log.Info("executor state loaded",
		zap.Int("positions", len(positions)),
		zap.Int("stuck", len(stuck)),
		zap.Int("completed_steps", len(steps)),
	)
	return nil
}

func sameAccount(a, b string) bool {
	return a != "" && normalizeAccount(a) == normalizeAccount(b)
}
