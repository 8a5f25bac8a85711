package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingTransport struct {
	calls int
	errs  []error
	out   Decision
}

func (t *countingTransport) Decide(ctx context.Context, in StateInput) (Decision, error) {
	_, _ = ctx, in
	t.calls++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return Decision{}, err
		}
	}
	return t.out, nil
}

func (t *countingTransport) Health(ctx context.Context) (Health, error) {
	_ = ctx
	return Health{Status: "healthy"}, nil
}

func testConfig() Config {
	return Config{
		Attempts:         2,
		RetryInitial:     time.Millisecond,
		RetryMax:         2 * time.Millisecond,
		CacheTTL:         30 * time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
		RatePerSecond:    1000,
		RateBurst:        10,
	}
}

func sampleState(price float64) StateInput {
	return StateInput{
		PoolID:       "eth-usdc",
		CurrentPrice: price,
		PriceUnit:    "eth",
		GasUnit:      "gwei",
		Position:     PositionInput{ID: "pos-1"},
	}
}

func TestDecideAgainstHTTPService(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/decide":
			hits.Add(1)
			var in StateInput
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "eth-usdc", in.PoolID)
			_, _ = w.Write([]byte(`{"action":"REBALANCE","confidence":1.7,"score":0.4,"expected_reward":0.03,"reason":"ml","risk_level":"medium","metadata":{"risk_score":0.4}}`))
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","has_ml_model":true,"decisions_count":3}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := New(NewHTTPTransport(srv.URL, time.Second), testConfig(), zap.NewNop(), WithClock(newClock().Now))
	d := client.Decide(context.Background(), sampleState(1.15))
	assert.Equal(t, ActionRebalance, d.Action)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, RiskMedium, d.RiskLevel)
	assert.False(t, d.Fallback)

	again := client.Decide(context.Background(), sampleState(1.15001))
	assert.True(t, again.Cached)
	assert.EqualValues(t, 1, hits.Load())

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.EqualValues(t, 3, h.DecisionsCount)
}

func TestMalformedResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reason":"missing fields"}`))
	}))
	defer srv.Close()

	client := New(NewHTTPTransport(srv.URL, time.Second), testConfig(), zap.NewNop())
	d := client.Decide(context.Background(), sampleState(1))
	assert.True(t, d.Fallback)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "malformed_response", d.Reason)
	assert.Equal(t, 0.05, d.Confidence)
	assert.Equal(t, RiskHigh, d.RiskLevel)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"action":"hold","confidence":0.9,"risk_level":"low"}`))
	}))
	defer srv.Close()

	client := New(NewHTTPTransport(srv.URL, time.Second), testConfig(), zap.NewNop())
	d := client.Decide(context.Background(), sampleState(1))
	assert.False(t, d.Fallback)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestUnknownActionCoercedToHold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"yolo","confidence":-2}`))
	}))
	defer srv.Close()

	d := New(NewHTTPTransport(srv.URL, time.Second), testConfig(), zap.NewNop()).Decide(context.Background(), sampleState(1))
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 0.0, d.Confidence)
	assert.False(t, d.Fallback)
}

func TestOpenBreakerSkipsTransport(t *testing.T) {
	clock := newClock()
	transport := &countingTransport{
		errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
		out:  Decision{Action: ActionRebalance, Confidence: 0.9, RiskLevel: RiskLow},
	}
	client := New(transport, testConfig(), zap.NewNop(), WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		d := client.Decide(context.Background(), sampleState(float64(i+1)))
		require.True(t, d.Fallback)
		assert.Equal(t, "decision_unavailable", d.Reason)
	}
	require.Equal(t, StateOpen, client.Breaker().State())
	require.Equal(t, 4, transport.calls)

	d := client.Decide(context.Background(), sampleState(3))
	assert.Equal(t, "circuit_open", d.Reason)
	assert.Equal(t, 4, transport.calls, "open breaker must not reach the transport")

	clock.Advance(time.Minute)
	d = client.Decide(context.Background(), sampleState(4))
	assert.False(t, d.Fallback)
	assert.Equal(t, 5, transport.calls, "half-open admits a single attempt")
	assert.Equal(t, StateClosed, client.Breaker().State())
	assert.Equal(t, 0, client.Breaker().Failures())
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newClock()
	transport := &countingTransport{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"), nil,
	}}
	cfg := testConfig()
	cfg.BreakerThreshold = 1
	client := New(transport, cfg, zap.NewNop(), WithClock(clock.Now))

	client.Decide(context.Background(), sampleState(1))
	require.Equal(t, StateOpen, client.Breaker().State())
	calls := transport.calls

	clock.Advance(time.Minute)
	d := client.Decide(context.Background(), sampleState(2))
	assert.True(t, d.Fallback)
	assert.Equal(t, calls+1, transport.calls)
	assert.Equal(t, StateOpen, client.Breaker().State())

	clock.Advance(30 * time.Second)
	d = client.Decide(context.Background(), sampleState(3))
	assert.Equal(t, "circuit_open", d.Reason)
	assert.Equal(t, calls+1, transport.calls)
}
