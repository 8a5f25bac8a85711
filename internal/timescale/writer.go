package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lp-rebalance-bot/internal/config"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/reward"

	"github.com/holiman/uint256"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type LevelSnapshot struct {
	Time         time.Time
	PoolID       string
	Level        int
	Price        *uint256.Int
	DeviationBps uint64
	ThresholdBps uint64
	Nonce        uint64
	Requested    bool
	Expired      bool
}

func SnapshotsFromCycle(res ledger.CycleResult, at time.Time) []LevelSnapshot {
	out := make([]LevelSnapshot, 0, len(res.Levels))
	for _, lvl := range res.Levels {
		out = append(out, LevelSnapshot{
			Time:         at,
			PoolID:       res.PoolID,
			Level:        lvl.Level,
			Price:        res.Price,
			DeviationBps: lvl.DeviationBps,
			ThresholdBps: lvl.ThresholdBps,
			Nonce:        lvl.Nonce,
			Requested:    lvl.Requested,
			Expired:      lvl.Expired,
		})
	}
	return out
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	levels    chan LevelSnapshot
	events    chan ledger.Event
	rewards   chan reward.Record
	started   atomic.Bool
	dropLevel atomic.Uint64
	dropEvent atomic.Uint64
	dropRwd   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		levels:  make(chan LevelSnapshot, queueSize),
		events:  make(chan ledger.Event, queueSize),
		rewards: make(chan reward.Record, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueCycle(res ledger.CycleResult, at time.Time) {
	if w == nil {
		return
	}
	for _, snap := range SnapshotsFromCycle(res, at) {
		enqueue(w.levels, snap, &w.dropLevel, w.log, "timescale level queue full")
	}
}

func (w *Writer) LedgerEvent(ev ledger.Event) {
	if w == nil {
		return
	}
	enqueue(w.events, ev, &w.dropEvent, w.log, "timescale event queue full")
}

func (w *Writer) WriteReward(rec reward.Record) {
	if w == nil {
		return
	}
	enqueue(w.rewards, rec, &w.dropRwd, w.log, "timescale reward queue full")
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropLevel.Load() + w.dropEvent.Load() + w.dropRwd.Load()
}

func enqueue[T any](ch chan T, v T, dropped *atomic.Uint64, log *zap.Logger, msg string) {
	select {
	case ch <- v:
	default:
		if dropped.Add(1) == 1 && log != nil {
			log.Warn(msg)
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.levels:
			w.writeLevel(ctx, snap)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		case rec := <-w.rewards:
			w.writeReward(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pool_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		price NUMERIC NOT NULL,
		deviation_bps BIGINT NOT NULL,
		threshold_bps BIGINT NOT NULL,
		nonce BIGINT NOT NULL,
		requested BOOLEAN NOT NULL,
		expired BOOLEAN NOT NULL
	)`, w.table("level_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pool_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		kind TEXT NOT NULL,
		nonce BIGINT NOT NULL,
		price NUMERIC
	)`, w.table("reposition_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		decision_id TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		position_id TEXT NOT NULL,
		action TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		executed BOOLEAN NOT NULL,
		shadow BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		gas_cost NUMERIC NOT NULL,
		slippage_cost NUMERIC NOT NULL,
		il_cost NUMERIC NOT NULL,
		total_cost NUMERIC NOT NULL,
		total_benefit NUMERIC NOT NULL,
		net_reward NUMERIC NOT NULL,
		roi_pct NUMERIC NOT NULL,
		hold_reward NUMERIC NOT NULL,
		beat_hold BOOLEAN NOT NULL,
		PRIMARY KEY (ts, decision_id)
	)`, w.table("reward_outcomes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"level_snapshots", "reposition_events", "reward_outcomes"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeLevel(ctx context.Context, snap LevelSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pool_id, level, price, deviation_bps, threshold_bps, nonce, requested, expired
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("level_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.PoolID,
		snap.Level,
		wadString(snap.Price),
		int64(snap.DeviationBps),
		int64(snap.ThresholdBps),
		int64(snap.Nonce),
		snap.Requested,
		snap.Expired,
	); err != nil {
		w.log.Warn("timescale level insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, ev ledger.Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var price any
	if ev.Price != nil {
		price = wadString(ev.Price)
	}
	query := fmt.Sprintf(`INSERT INTO %s (ts, pool_id, level, kind, nonce, price)
		VALUES ($1,$2,$3,$4,$5,$6)`, w.table("reposition_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.At,
		ev.PoolID,
		ev.Level,
		string(ev.Kind),
		int64(ev.Nonce),
		price,
	); err != nil {
		w.log.Warn("timescale event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeReward(ctx context.Context, rec reward.Record) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	out := rec.Outcome
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, decision_id, pool_id, position_id, action, confidence, executed, shadow, reason,
		gas_cost, slippage_cost, il_cost, total_cost, total_benefit, net_reward, roi_pct,
		hold_reward, beat_hold
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
	)
	ON CONFLICT (ts, decision_id) DO NOTHING`, w.table("reward_outcomes"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.CreatedAt,
		rec.DecisionID,
		rec.PoolID,
		rec.PositionID,
		string(rec.Decision.Action),
		rec.Decision.Confidence,
		rec.Executed,
		rec.Shadow,
		rec.Reason,
		out.Cost.Gas.String(),
		out.Cost.Slippage.String(),
		out.Cost.IL.String(),
		out.Cost.Total.String(),
		out.Benefit.Total.String(),
		out.Net.String(),
		out.ROIPct.String(),
		rec.Hold.Net.String(),
		rec.BeatHold,
	); err != nil {
		w.log.Warn("timescale reward insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

func wadString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return fixedpoint.FormatWAD(x)
}
