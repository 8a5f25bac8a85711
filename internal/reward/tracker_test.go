package reward

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memJournal struct {
	mu   sync.Mutex
	recs []any
	err  error
}

func (j *memJournal) Append(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.recs = append(j.recs, v)
	return nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.recs)
}

type sinkFunc func(Record)

func (f sinkFunc) WriteReward(rec Record) { f(rec) }

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type trackerFixture struct {
	tracker  *Tracker
	store    *state.Memory
	outcomes *memJournal
	shadow   *memJournal
	training *memJournal
	sunk     []Record
}

func newTrackerFixture() *trackerFixture {
	f := &trackerFixture{
		store:    state.NewMemory(),
		outcomes: &memJournal{},
		shadow:   &memJournal{},
		training: &memJournal{},
	}
	f.tracker = NewTracker(
		NewModel(30, d("24")),
		f.store,
		Journals{Outcomes: f.outcomes, Shadow: f.shadow, Training: f.training},
		sinkFunc(func(r Record) { f.sunk = append(f.sunk, r) }),
		zap.NewNop(),
		func() time.Time { return clock },
	)
	return f
}

func outOfRangeSnapshot() Snapshot {
	return Snapshot{
		PositionID: "pos-1",
		Position: PositionState{
			LowerTick: -600, UpperTick: 600, CurrentTick: 1200,
			Token1: d("10"), CurrentPrice: d("1.127"),
		},
		Pool:   PoolState{FeeTier: 3000, Volume24h: d("1000000"), TVL: d("5000000")},
		Ledger: LedgerContext{PoolID: "eth-usdc", Level: 1, Nonce: 2, DeviationBps: 1270, ThresholdBps: 1000, Pending: true},
	}
}

func rebalance() decision.Decision {
	return decision.Decision{Action: decision.ActionRebalance, Confidence: 0.9, RiskLevel: decision.RiskMedium}
}

func TestCapturePostScoresExecution(t *testing.T) {
	f := newTrackerFixture()
	ctx := context.Background()

	id, err := f.tracker.CapturePre(ctx, outOfRangeSnapshot(), rebalance())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []string{keyPendingPrefix + id}, f.store.Keys(keyPendingPrefix))

	post := outOfRangeSnapshot().Position
	post.LowerTick, post.UpperTick = 600, 1800
	post.Token0, post.Token1 = d("4.4"), d("5")

	rec, err := f.tracker.CapturePost(ctx, id, Execution{
		TxHashes: []string{"0xabc"},
		GasUsed:  400_000,
		GasWei:   big.NewInt(20_000_000_000_000_000),
		Post:     post,
	})
	require.NoError(t, err)

	assert.True(t, rec.Executed)
	assert.False(t, rec.Shadow)
	assert.Equal(t, "eth-usdc", rec.PoolID)
	assert.True(t, rec.Outcome.Cost.Gas.Equal(d("0.02254")), rec.Outcome.Cost.Gas.String())
	assert.True(t, rec.Hold.Net.IsZero(), "out of range hold earns nothing")
	assert.Equal(t, rec.Outcome.Net.IsPositive(), rec.BeatHold)
	assert.Equal(t, clock, rec.Pre.At)

	assert.Equal(t, 1, f.outcomes.len())
	assert.Equal(t, 0, f.shadow.len())
	assert.Equal(t, 1, f.training.len())
	require.Len(t, f.sunk, 1)
	assert.Empty(t, f.store.Keys(keyPendingPrefix))

	fb, ok := f.training.recs[0].(Feedback)
	require.True(t, ok)
	assert.Equal(t, decision.ActionRebalance, fb.Action)
	assert.Equal(t, clock.Unix(), fb.Timestamp)

	_, err = f.tracker.CapturePost(ctx, id, Execution{})
	assert.True(t, errors.Is(err, ErrUnknownDecision))
}

func TestCapturePostValuesGasInToken1(t *testing.T) {
	f := newTrackerFixture()
	ctx := context.Background()

	pre := outOfRangeSnapshot()
	pre.Position.CurrentPrice = d("2000")
	id, err := f.tracker.CapturePre(ctx, pre, rebalance())
	require.NoError(t, err)

	// 0.01 ETH of gas at 2000 USDC per ETH.
	rec, err := f.tracker.CapturePost(ctx, id, Execution{
		GasUsed: 500_000,
		GasWei:  big.NewInt(10_000_000_000_000_000),
		Post:    pre.Position,
	})
	require.NoError(t, err)
	assert.True(t, rec.Outcome.Cost.Gas.Equal(d("20")), rec.Outcome.Cost.Gas.String())
	assert.False(t, rec.Outcome.Profitable)
	assert.False(t, rec.BeatHold)
}

func TestRecordHoldGoesToShadowJournal(t *testing.T) {
	f := newTrackerFixture()
	ctx := context.Background()

	id, err := f.tracker.CapturePre(ctx, outOfRangeSnapshot(), rebalance())
	require.NoError(t, err)
	rec, err := f.tracker.RecordHold(ctx, id, "safety: twap_manipulation", true)
	require.NoError(t, err)

	assert.False(t, rec.Executed)
	assert.True(t, rec.Shadow)
	assert.True(t, rec.Outcome.Net.IsZero())
	assert.True(t, rec.Outcome.Cost.Total.IsZero())
	assert.False(t, rec.BeatHold)
	assert.True(t, strings.HasPrefix(rec.Reason, "safety"))
	assert.Equal(t, 1, f.shadow.len())
	assert.Equal(t, 0, f.outcomes.len())
	assert.Equal(t, 1, f.training.len())
}

func TestRecordSkipNeedsNoPreSnapshot(t *testing.T) {
	f := newTrackerFixture()
	ctx := context.Background()

	snap := Snapshot{PositionID: "pos-2", Ledger: LedgerContext{PoolID: "eth-usdc", Level: 3}}
	rec, err := f.tracker.RecordSkip(ctx, snap, "oracle_unavailable", false)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.DecisionID)
	assert.Equal(t, "eth-usdc", rec.PoolID)
	assert.Equal(t, "pos-2", rec.PositionID)
	assert.Equal(t, decision.ActionHold, rec.Decision.Action)
	assert.Equal(t, "oracle_unavailable", rec.Reason)
	assert.Equal(t, clock, rec.Pre.At)
	assert.False(t, rec.Executed)
	assert.True(t, rec.Outcome.Net.IsZero())
	assert.Equal(t, 1, f.shadow.len())
	assert.Equal(t, 1, f.training.len())
	assert.Empty(t, f.store.Keys(keyPendingPrefix))
}

func TestPendingSnapshotSurvivesRestart(t *testing.T) {
	f := newTrackerFixture()
	ctx := context.Background()
	id, err := f.tracker.CapturePre(ctx, outOfRangeSnapshot(), rebalance())
	require.NoError(t, err)

	restarted := NewTracker(NewModel(30, d("24")), f.store, Journals{Shadow: f.shadow}, nil, nil, nil)
	rec, err := restarted.RecordHold(ctx, id, "shutdown", false)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", rec.PositionID)
	assert.Equal(t, 2, int(rec.Pre.Ledger.Nonce))
}

func TestJournalFailureIsReportedAfterRecording(t *testing.T) {
	f := newTrackerFixture()
	f.shadow.err = errors.New("disk full")
	ctx := context.Background()

	id, err := f.tracker.CapturePre(ctx, outOfRangeSnapshot(), rebalance())
	require.NoError(t, err)
	_, err = f.tracker.RecordHold(ctx, id, "gas", false)
	require.Error(t, err)
	assert.Equal(t, 1, f.training.len())
	assert.Len(t, f.sunk, 1)
}
