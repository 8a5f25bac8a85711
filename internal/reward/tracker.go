package reward

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const keyPendingPrefix = "reward:pending:"

var ErrUnknownDecision = errors.New("unknown decision id")

type Journal interface {
	Append(v any) error
}

type Sink interface {
	WriteReward(rec Record)
}

type LedgerContext struct {
	PoolID         string `json:"pool_id"`
	Level          int    `json:"level"`
	Nonce          uint64 `json:"nonce"`
	ReferencePrice string `json:"reference_price"`
	TWAP           string `json:"twap"`
	DeviationBps   uint64 `json:"deviation_bps"`
	ThresholdBps   uint64 `json:"threshold_bps"`
	Pending        bool   `json:"pending"`
}

type Snapshot struct {
	PositionID string              `json:"position_id"`
	Position   PositionState       `json:"position"`
	Pool       PoolState           `json:"pool"`
	Ledger     LedgerContext       `json:"ledger"`
	Features   decision.StateInput `json:"features"`
	At         time.Time           `json:"at"`
}

type Execution struct {
	TxHashes []string      `json:"tx_hashes"`
	GasUsed  uint64        `json:"gas_used"`
	GasWei   *big.Int      `json:"gas_wei"`
	Post     PositionState `json:"post"`
}

type Record struct {
	DecisionID string            `json:"decision_id"`
	PoolID     string            `json:"pool_id"`
	PositionID string            `json:"position_id"`
	Decision   decision.Decision `json:"decision"`
	Executed   bool              `json:"executed"`
	Shadow     bool              `json:"shadow"`
	Reason     string            `json:"reason,omitempty"`
	Pre        Snapshot          `json:"pre"`
	Post       *PositionState    `json:"post,omitempty"`
	Execution  *Execution        `json:"execution,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Hold       HoldOutcome       `json:"hold"`
	BeatHold   bool              `json:"beat_hold"`
	Horizon    decimal.Decimal   `json:"forecast_hours"`
	CreatedAt  time.Time         `json:"created_at"`
}

type Feedback struct {
	DecisionID string              `json:"decision_id"`
	Timestamp  int64               `json:"timestamp"`
	Features   decision.StateInput `json:"features"`
	Action     decision.Action     `json:"action"`
	Confidence float64             `json:"confidence"`
	Fallback   bool                `json:"fallback"`
	Executed   bool                `json:"executed"`
	NetReward  decimal.Decimal     `json:"net_reward"`
	HoldReward decimal.Decimal     `json:"hold_reward"`
	Profitable bool                `json:"is_profitable"`
	BeatHold   bool                `json:"beat_hold"`
}

type pending struct {
	ID       string            `json:"id"`
	Pre      Snapshot          `json:"pre"`
	Decision decision.Decision `json:"decision"`
}

type Journals struct {
	Outcomes Journal
	Shadow   Journal
	Training Journal
}

type Tracker struct {
	model    Model
	store    state.Store
	journals Journals
	sink     Sink
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

func NewTracker(model Model, store state.Store, journals Journals, sink Sink, log *zap.Logger, now func() time.Time) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		model:    model,
		store:    store,
		journals: journals,
		sink:     sink,
		log:      log,
		now:      now,
		pending:  make(map[string]pending),
	}
}

func (t *Tracker) CapturePre(ctx context.Context, pre Snapshot, d decision.Decision) (string, error) {
	if pre.At.IsZero() {
		pre.At = t.now()
	}
	p := pending{ID: uuid.NewString(), Pre: pre, Decision: d}
	if err := state.SaveJSON(ctx, t.store, keyPendingPrefix+p.ID, p); err != nil {
		return "", fmt.Errorf("persist pre snapshot: %w", err)
	}
	t.mu.Lock()
	t.pending[p.ID] = p
	t.mu.Unlock()
	return p.ID, nil
}

// CapturePost scores an executed action. Gas is paid in token0 and is
// valued in token1 at the pre-action price.
func (t *Tracker) CapturePost(ctx context.Context, id string, exec Execution) (Record, error) {
	p, err := t.take(ctx, id)
	if err != nil {
		return Record{}, err
	}
	gas := GasValue(exec.GasWei, p.Pre.Position.CurrentPrice)
	outcome := t.model.NetReward(p.Pre.Position, exec.Post, p.Pre.Pool, gas)
	post := exec.Post
	rec := t.record(p, outcome, true, false, "")
	rec.Post = &post
	rec.Execution = &exec
	return rec, t.finish(ctx, rec, t.journals.Outcomes)
}

func (t *Tracker) RecordHold(ctx context.Context, id, reason string, shadow bool) (Record, error) {
	p, err := t.take(ctx, id)
	if err != nil {
		return Record{}, err
	}
	outcome := Combine(Cost{}, Benefit{}, PositionValue(p.Pre.Position), PositionValue(p.Pre.Position))
	rec := t.record(p, outcome, false, shadow, reason)
	return rec, t.finish(ctx, rec, t.journals.Shadow)
}

func (t *Tracker) RecordSkip(ctx context.Context, pre Snapshot, reason string, shadow bool) (Record, error) {
	if pre.At.IsZero() {
		pre.At = t.now()
	}
	p := pending{
		ID:       uuid.NewString(),
		Pre:      pre,
		Decision: decision.Decision{Action: decision.ActionHold, Reason: reason},
	}
	value := PositionValue(pre.Position)
	rec := t.record(p, Combine(Cost{}, Benefit{}, value, value), false, shadow, reason)
	return rec, t.finish(ctx, rec, t.journals.Shadow)
}

func (t *Tracker) record(p pending, outcome Outcome, executed, shadow bool, reason string) Record {
	hold := t.model.HoldReward(p.Pre.Position, p.Pre.Pool, zero)
	return Record{
		DecisionID: p.ID,
		PoolID:     p.Pre.Ledger.PoolID,
		PositionID: p.Pre.PositionID,
		Decision:   p.Decision,
		Executed:   executed,
		Shadow:     shadow,
		Reason:     reason,
		Pre:        p.Pre,
		Outcome:    outcome,
		Hold:       hold,
		BeatHold:   outcome.Net.GreaterThan(hold.Net),
		Horizon:    t.model.ForecastHours,
		CreatedAt:  t.now(),
	}
}

func (t *Tracker) finish(ctx context.Context, rec Record, journal Journal) error {
	var errs []error
	if journal != nil {
		if err := journal.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	if t.journals.Training != nil {
		if err := t.journals.Training.Append(feedback(rec)); err != nil {
			errs = append(errs, err)
		}
	}
	if t.sink != nil {
		t.sink.WriteReward(rec)
	}
	if t.store != nil {
		if err := t.store.Delete(ctx, keyPendingPrefix+rec.DecisionID); err != nil {
			t.log.Warn("failed to drop pre snapshot", zap.String("decision", rec.DecisionID), zap.Error(err))
		}
	}
	t.log.Info("reward recorded",
		zap.String("decision", rec.DecisionID),
		zap.String("pool", rec.PoolID),
		zap.String("action", string(rec.Decision.Action)),
		zap.Bool("executed", rec.Executed),
		zap.String("net", rec.Outcome.Net.String()),
		zap.Bool("beat_hold", rec.BeatHold),
	)
	return errors.Join(errs...)
}

// take removes the pending snapshot, falling back to the store after a
// restart.
func (t *Tracker) take(ctx context.Context, id string) (pending, error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		return p, nil
	}
	found, err := state.LoadJSON(ctx, t.store, keyPendingPrefix+id, &p)
	if err != nil {
		return pending{}, err
	}
	if !found {
		return pending{}, fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	return p, nil
}

func feedback(rec Record) Feedback {
	return Feedback{
		DecisionID: rec.DecisionID,
		Timestamp:  rec.CreatedAt.Unix(),
		Features:   rec.Pre.Features,
		Action:     rec.Decision.Action,
		Confidence: rec.Decision.Confidence,
		Fallback:   rec.Decision.Fallback,
		Executed:   rec.Executed,
		NetReward:  rec.Outcome.Net,
		HoldReward: rec.Hold.Net,
		Profitable: rec.Outcome.Profitable,
		BeatHold:   rec.BeatHold,
	}
}
