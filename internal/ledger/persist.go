package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"lp-rebalance-bot/internal/oracle"
	"lp-rebalance-bot/internal/state"

	"github.com/holiman/uint256"
)

const (
	keyPools      = "ledger:pools"
	keyPoolPrefix = "ledger:pool:"
	keyLevelFmt   = "ledger:level:%s:%d"
	keyBufferFmt  = "oracle:buffer:%s"
)

func poolKey(id string) string            { return keyPoolPrefix + id }
func levelKey(id string, level int) string { return fmt.Sprintf(keyLevelFmt, id, level) }
func bufferKey(id string) string           { return fmt.Sprintf(keyBufferFmt, id) }

// levelRecord stores WAD values as base-10 integers and times as unix
// milliseconds, zero meaning unset.
type levelRecord struct {
	ReferencePrice        string `json:"reference_price,omitempty"`
	LastPrice             string `json:"last_price,omitempty"`
	LastDeviationBps      uint64 `json:"last_deviation_bps"`
	Nonce                 uint64 `json:"nonce"`
	Pending               bool   `json:"pending"`
	PendingReferencePrice string `json:"pending_reference_price,omitempty"`
	RequestedAtMs         int64  `json:"requested_at_ms,omitempty"`
	LastRepositionAtMs    int64  `json:"last_reposition_at_ms,omitempty"`
}

func encodeLevel(s LevelState) levelRecord {
	return levelRecord{
		ReferencePrice:        intString(s.ReferencePrice),
		LastPrice:             intString(s.LastPrice),
		LastDeviationBps:      s.LastDeviationBps,
		Nonce:                 s.Nonce,
		Pending:               s.Pending,
		PendingReferencePrice: intString(s.PendingReferencePrice),
		RequestedAtMs:         timeMs(s.RequestedAt),
		LastRepositionAtMs:    timeMs(s.LastRepositionAt),
	}
}

func decodeLevel(rec levelRecord) (LevelState, error) {
	var (
		s   LevelState
		err error
	)
	if s.ReferencePrice, err = parseInt(rec.ReferencePrice); err != nil {
		return s, fmt.Errorf("reference_price: %w", err)
	}
	if s.LastPrice, err = parseInt(rec.LastPrice); err != nil {
		return s, fmt.Errorf("last_price: %w", err)
	}
	if s.PendingReferencePrice, err = parseInt(rec.PendingReferencePrice); err != nil {
		return s, fmt.Errorf("pending_reference_price: %w", err)
	}
	s.LastDeviationBps = rec.LastDeviationBps
	s.Nonce = rec.Nonce
	s.Pending = rec.Pending
	s.RequestedAt = msTime(rec.RequestedAtMs)
	s.LastRepositionAt = msTime(rec.LastRepositionAtMs)
	if !s.consistent() {
		return s, fmt.Errorf("inconsistent pending fields")
	}
	return s, nil
}

func intString(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return x.Dec()
}

func parseInt(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromDecimal(s)
}

func timeMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (l *Ledger) persistPool(ctx context.Context, entry *poolEntry) error {
	if err := state.SaveJSON(ctx, l.store, poolKey(entry.cfg.ID), entry.cfg); err != nil {
		return err
	}
	for i, s := range entry.levels {
		if err := state.SaveJSON(ctx, l.store, levelKey(entry.cfg.ID, i), encodeLevel(s)); err != nil {
			return err
		}
	}
	return nil
}

// persistPoolList writes the registered ids plus added. Callers hold l.mu.
func (l *Ledger) persistPoolList(ctx context.Context, added string) error {
	ids := make([]string, 0, len(l.pools)+1)
	for id := range l.pools {
		ids = append(ids, id)
	}
	ids = append(ids, added)
	sort.Strings(ids)
	return state.SaveJSON(ctx, l.store, keyPools, ids)
}

func (l *Ledger) persistBuffer(ctx context.Context, poolID string) error {
	if l.store == nil {
		return nil
	}
	data, err := l.local.Encode(poolID)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, bufferKey(poolID), base64.StdEncoding.EncodeToString(data))
}

func (l *Ledger) Load(ctx context.Context) error {
	var ids []string
	if _, err := state.LoadJSON(ctx, l.store, keyPools, &ids); err != nil {
		return fmt.Errorf("load pool list: %w", err)
	}
	pools := make(map[string]*poolEntry, len(ids))
	for _, id := range ids {
		entry := &poolEntry{}
		ok, err := state.LoadJSON(ctx, l.store, poolKey(id), &entry.cfg)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", id, err)
		}
		if !ok {
			continue
		}
		for i := range entry.levels {
			var rec levelRecord
			if _, err := state.LoadJSON(ctx, l.store, levelKey(id, i), &rec); err != nil {
				return fmt.Errorf("load pool %s level %d: %w", id, i, err)
			}
			s, err := decodeLevel(rec)
			if err != nil {
				return fmt.Errorf("decode pool %s level %d: %w", id, i, err)
			}
			entry.levels[i] = s
		}
		if entry.cfg.Mode == oracle.ModeLocal {
			if err := l.loadBuffer(ctx, entry.cfg); err != nil {
				return err
			}
		}
		pools[id] = entry
	}
	l.mu.Lock()
	l.pools = pools
	l.mu.Unlock()
	return nil
}

func (l *Ledger) loadBuffer(ctx context.Context, cfg PoolConfig) error {
	if l.local == nil {
		return fmt.Errorf("%w: local source not configured", ErrWrongMode)
	}
	raw, ok, err := l.store.Get(ctx, bufferKey(cfg.ID))
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return l.local.Register(cfg.ID, cfg.BufferSize)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode buffer %s: %w", cfg.ID, err)
	}
	buf, err := oracle.DecodeBuffer(data)
	if err != nil {
		return fmt.Errorf("decode buffer %s: %w", cfg.ID, err)
	}
	if buf.Cap() != cfg.BufferSize {
		return l.local.Register(cfg.ID, cfg.BufferSize)
	}
	l.local.Restore(cfg.ID, buf)
	return nil
}
