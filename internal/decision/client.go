package decision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lp-rebalance-bot/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	Attempts         int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	CacheSize        int
	CacheTTL         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RatePerSecond    float64
	RateBurst        int
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 4 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client owns the cache, breaker and limiter for one decision endpoint.
// It is not a process global; the orchestrator constructs and holds it.
type Client struct {
	transport Transport
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	cache   *expirable.LRU[string, Decision]
	breaker *Breaker
	limiter *rate.Limiter
}

func New(transport Transport, cfg Config, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		transport: transport,
		cfg:       cfg,
		log:       log,
		metrics:   metrics.NewNoop(),
		now:       time.Now,
		cache:     expirable.NewLRU[string, Decision](cfg.CacheSize, nil, cfg.CacheTTL),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, c.now)
	c.breaker.onChange = c.breakerChanged
	return c
}

func (c *Client) Breaker() *Breaker { return c.breaker }

func (c *Client) Decide(ctx context.Context, in StateInput) Decision {
	key := c.cacheKey(in)
	if d, ok := c.cache.Get(key); ok {
		d.Cached = true
		return d
	}

	state, err := c.breaker.Allow()
	if err != nil {
		return c.fallback(in, "circuit_open", err)
	}
	attempts := c.cfg.Attempts
	if state == StateHalfOpen {
		attempts = 1
	}

	d, err := c.call(ctx, in, attempts)
	if err != nil {
		c.breaker.Failure()
		reason := "decision_unavailable"
		if errors.Is(err, ErrMalformed) {
			reason = "malformed_response"
		}
		return c.fallback(in, reason, err)
	}
	c.breaker.Success()
	c.cache.Add(key, d)
	return d
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Health{}, fmt.Errorf("rate limiter: %w", err)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.transport.Health(callCtx)
}

func (c *Client) call(ctx context.Context, in StateInput, attempts int) (Decision, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitial
	policy.MaxInterval = c.cfg.RetryMax
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	var out Decision
	err := backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		d, err := c.transport.Decide(callCtx, in)
		if err != nil {
			c.log.Debug("decision attempt failed", zap.String("pool", in.PoolID), zap.Error(err))
			return err
		}
		out = d
		return nil
	}, b)
	return out, err
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Client) fallback(in StateInput, reason string, err error) Decision {
	c.metrics.DecisionFallbacks.Inc()
	c.log.Info("decision fallback",
		zap.String("pool", in.PoolID),
		zap.String("position", in.Position.ID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	d := Fallback(reason)
	if err != nil {
		d.Metadata["error"] = err.Error()
	}
	return d
}

func (c *Client) breakerChanged(s BreakerState) {
	c.metrics.BreakerState.Set(float64(s))
	if s == StateOpen {
		c.metrics.BreakerOpened.Inc()
		c.log.Warn("decision breaker opened", zap.Int("threshold", c.cfg.BreakerThreshold))
	}
}

// cacheKey buckets the price to four significant digits and the time to
// the cache TTL so near-identical states share an answer.
func (c *Client) cacheKey(in StateInput) string {
	bucket := c.now().UnixNano() / int64(c.cfg.CacheTTL)
	return in.PoolID + "|" + in.Position.ID + "|" +
		strconv.FormatFloat(in.CurrentPrice, 'g', 4, 64) + "|" +
		strconv.FormatInt(bucket, 10)
}
