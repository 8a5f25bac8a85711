package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const pushTimeout = 5 * time.Second

type SamplePusher interface {
	PushSample(ctx context.Context, caller, poolID string, at time.Time, price *uint256.Int) error
}

type Stream interface {
	Subscribe(ctx context.Context, sub any) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

type Feed struct {
	stream   Stream
	pusher   SamplePusher
	caller   string
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	// routes maps feed symbol to the pools it prices.
	routes map[string][]string

	mu       sync.Mutex
	lastPush map[string]time.Time
	ctx      context.Context
}

func New(stream Stream, pusher SamplePusher, caller string, routes map[string][]string, interval time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	normalized := make(map[string][]string, len(routes))
	for sym, pools := range routes {
		key := strings.ToUpper(strings.TrimSpace(sym))
		normalized[key] = append(normalized[key], pools...)
	}
	return &Feed{
		stream:   stream,
		pusher:   pusher,
		caller:   caller,
		interval: interval,
		log:      log,
		now:      time.Now,
		routes:   normalized,
		lastPush: make(map[string]time.Time),
		ctx:      context.Background(),
	}
}

func (f *Feed) Run(ctx context.Context) error {
	if len(f.routes) == 0 {
		return nil
	}
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	sub := map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "allMids"}}
	if err := f.stream.Subscribe(ctx, sub); err != nil {
		return err
	}
	return f.stream.Run(ctx, f.handleMessage)
}

func (f *Feed) handleMessage(msg json.RawMessage) {
	mids, err := parseMids(msg)
	if err != nil {
		f.log.Debug("feed decode error", zap.Error(err))
		return
	}
	now := f.now()
	for sym, raw := range mids {
		pools := f.routes[strings.ToUpper(sym)]
		if len(pools) == 0 {
			continue
		}
		price, err := fixedpoint.ParseWAD(raw)
		if err != nil || price.IsZero() {
			f.log.Debug("feed price rejected", zap.String("symbol", sym), zap.String("price", raw))
			continue
		}
		for _, pool := range pools {
			f.push(pool, now, price)
		}
	}
}

func (f *Feed) push(pool string, at time.Time, price *uint256.Int) {
	f.mu.Lock()
	last, seen := f.lastPush[pool]
	if seen && at.Sub(last) < f.interval {
		f.mu.Unlock()
		return
	}
	// Samples are keyed by whole seconds.
	if seen && at.Unix() <= last.Unix() {
		f.mu.Unlock()
		return
	}
	f.lastPush[pool] = at
	parent := f.ctx
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, pushTimeout)
	defer cancel()
	if err := f.pusher.PushSample(ctx, f.caller, pool, at, price); err != nil {
		f.log.Warn("sample push failed", zap.String("pool", pool), zap.Error(err))
	}
}

// parseMids accepts {"channel":"allMids","data":{"mids":{...}}} and the
// bare {"mids":{...}} form. Numbers are kept as text so no float rounding
// reaches the buffer.
func parseMids(msg json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var payload struct {
		Channel string `json:"channel"`
		Data    struct {
			Mids map[string]any `json:"mids"`
		} `json:"data"`
		Mids map[string]any `json:"mids"`
	}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	raw := payload.Data.Mids
	if raw == nil {
		raw = payload.Mids
	}
	if raw == nil {
		return nil, fmt.Errorf("no mids in %q message", payload.Channel)
	}
	out := make(map[string]string, len(raw))
	for sym, v := range raw {
		switch val := v.(type) {
		case string:
			out[sym] = strings.TrimSpace(val)
		case json.Number:
			out[sym] = val.String()
		}
	}
	return out, nil
}
