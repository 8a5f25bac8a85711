package timescale

import (
	"testing"
	"time"

	"lp-rebalance-bot/internal/config"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/reward"

	"go.uber.org/zap"
)

func TestDisabledWriterIsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	w.LedgerEvent(ledger.Event{Kind: ledger.EventRequested})
	w.WriteReward(reward.Record{})
	w.EnqueueCycle(ledger.CycleResult{}, time.Now())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestEnabledWriterRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestSnapshotsFromCycle(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	res := ledger.CycleResult{
		PoolID: "eth-usdc",
		Price:  fixedpoint.MustParseWAD("1.2"),
		Levels: []ledger.LevelOutcome{
			{Level: 0, DeviationBps: 2000, ThresholdBps: 100, Requested: true, Nonce: 1},
			{Level: 3, DeviationBps: 2000, ThresholdBps: 2000},
		},
	}
	snaps := SnapshotsFromCycle(res, at)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if !snaps[0].Requested || snaps[0].Nonce != 1 || snaps[0].PoolID != "eth-usdc" {
		t.Fatalf("unexpected first snapshot %+v", snaps[0])
	}
	if snaps[1].Requested || snaps[1].Level != 3 || !snaps[1].Time.Equal(at) {
		t.Fatalf("unexpected second snapshot %+v", snaps[1])
	}
	if got := wadString(snaps[0].Price); got != fixedpoint.FormatWAD(fixedpoint.MustParseWAD("1.2")) {
		t.Fatalf("unexpected price string %q", got)
	}
	if wadString(nil) != "0" {
		t.Fatalf("nil price should render as 0")
	}
}

func TestFullQueueDrops(t *testing.T) {
	w := newWriter(nil, config.TimescaleConfig{QueueSize: 1}, zap.NewNop())
	w.LedgerEvent(ledger.Event{Kind: ledger.EventRequested})
	w.LedgerEvent(ledger.Event{Kind: ledger.EventConfirmed})
	w.WriteReward(reward.Record{DecisionID: "a"})
	w.WriteReward(reward.Record{DecisionID: "b"})
	if got := w.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", got)
	}
	if w.table("reward_outcomes") != "public.reward_outcomes" {
		t.Fatalf("unexpected table name %s", w.table("reward_outcomes"))
	}
}
