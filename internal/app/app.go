package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lp-rebalance-bot/internal/access"
	"lp-rebalance-bot/internal/alerts"
	"lp-rebalance-bot/internal/chain"
	"lp-rebalance-bot/internal/config"
	"lp-rebalance-bot/internal/decision"
	"lp-rebalance-bot/internal/exec"
	"lp-rebalance-bot/internal/feed"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/gas"
	"lp-rebalance-bot/internal/journal"
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/metrics"
	"lp-rebalance-bot/internal/oracle"
	"lp-rebalance-bot/internal/reward"
	"lp-rebalance-bot/internal/safety"
	"lp-rebalance-bot/internal/state"
	"lp-rebalance-bot/internal/state/sqlite"
	"lp-rebalance-bot/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LedgerPort interface {
	ProcessPools(ctx context.Context, ids ...string) ([]ledger.CycleResult, error)
	Pools() []ledger.PoolConfig
	Pool(poolID string) (ledger.PoolConfig, bool)
	Level(poolID string, level int) (ledger.LevelState, error)
	Levels(poolID string) ([ledger.LevelCount]ledger.LevelState, error)
	Pending() []ledger.PendingRequest
	LevelPercents() [ledger.LevelCount]uint64
	Timeout() time.Duration
	Confirm(ctx context.Context, caller, poolID string, level int, nonce uint64) (ledger.LevelState, error)
	Cancel(ctx context.Context, caller, poolID string, level int) (ledger.LevelState, error)
	ExpireStale(ctx context.Context, poolID string) ([]int, error)
}

type ExecutorPort interface {
	Open(ctx context.Context, caller string, req exec.OpenRequest) (exec.Position, error)
	Increase(ctx context.Context, caller, positionID string, amount0, amount1 *big.Int, deadline time.Time) (exec.Position, error)
	CollectFees(ctx context.Context, caller, positionID string) (exec.Receipt, error)
	Positions(poolID string) []exec.Position
	Stuck() []exec.StuckHandle
	Sync(ctx context.Context, caller, positionID string, lower, upper int64, opKey string) (exec.SyncResult, error)
	Reduce(ctx context.Context, caller, positionID string, fractionBps uint64, opKey string) (exec.SyncResult, error)
	Close(ctx context.Context, caller, positionID string) (exec.SyncResult, error)
	RecoverStuck(ctx context.Context, caller, handle, positionID string) error
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	ledger   LedgerPort
	exec     ExecutorPort
	oracle   oracle.Source
	decider  *decision.Client
	gas      *gas.Governor
	safety   *safety.Validator
	rewards  *reward.Tracker
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	feed     *feed.Feed
	ts       *timescale.Writer
	promHTTP http.Handler
	closers  []func() error
	now      func() time.Time

	tier     gas.Tier
	keeper   string
	operator string
	pools    map[string]config.PoolConfig

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

const (
	defaultReduceBps = 5_000
	priceUnit        = "token1/token0"
)

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		now:      time.Now,
		pools:    make(map[string]config.PoolConfig, len(cfg.Ledger.Pools)),
		operator: strings.TrimSpace(cfg.Telegram.OperatorAccount),
	}
	a.closers = append(a.closers, store.Close)
	if a.operator == "" {
		a.operator = cfg.Ledger.Admin
	}
	for _, p := range cfg.Ledger.Pools {
		a.pools[p.ID] = p
	}
	if err := a.wire(context.Background()); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg
	tier, err := gas.ParseTier(cfg.Gas.Tier)
	if err != nil {
		return err
	}
	a.tier = tier

	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		a.metrics = prom.Metrics
		a.promHTTP = prom.Handler()
	} else {
		a.metrics = metrics.NewNoop()
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, a.log)

	var backend *ethclient.Client
	if url := strings.TrimSpace(cfg.Chain.RPCURL); url != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.ObserveTimeout)
		backend, err = ethclient.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		a.closers = append(a.closers, func() error { backend.Close(); return nil })
	}

	var manager *chain.PositionManager
	if !cfg.Orchestrator.ShadowValue() {
		if backend == nil {
			return errors.New("chain.rpc_url is required outside shadow mode")
		}
		manager, err = chain.NewPositionManager(backend, managerConfig(cfg), a.log)
		if err != nil {
			return err
		}
	}
	a.keeper = strings.TrimSpace(cfg.Orchestrator.Keeper)
	if a.keeper == "" && manager != nil {
		a.keeper = manager.From().Hex()
	}
	if a.keeper == "" {
		a.keeper = "orchestrator"
	}

	acl := access.NewACL(cfg.Ledger.Admin)
	keepers := append([]string{a.keeper}, cfg.Ledger.Keepers...)
	if cfg.Feed.Enabled && strings.TrimSpace(cfg.Feed.Account) != "" {
		keepers = append(keepers, cfg.Feed.Account)
	}
	for _, k := range keepers {
		if err := acl.Grant(cfg.Ledger.Admin, k, access.RoleKeeper); err != nil {
			return fmt.Errorf("grant keeper %s: %w", k, err)
		}
	}

	local := oracle.NewLocalSource(a.now)
	var native oracle.Source
	if backend != nil {
		native = oracle.NewNativeSource(chain.NewPoolObserver(backend), cfg.Chain.ObserveTimeout)
	}
	router := oracle.NewRouter(native, local)
	a.oracle = router

	ts, err := timescale.New(cfg.Timescale, a.log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	a.ts = ts
	if ts != nil {
		a.closers = append(a.closers, ts.Close)
	}

	levels, err := levelPercents(cfg.Ledger.Levels)
	if err != nil {
		return err
	}
	led, err := ledger.New(a.store, router, local, acl, a.log,
		ledger.WithLevels(levels),
		ledger.WithEventSink(&eventSink{metrics: a.metrics, ts: ts}),
	)
	if err != nil {
		return err
	}
	if err := led.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := a.registerPools(ctx, led); err != nil {
		return err
	}
	a.ledger = led

	var lm exec.LiquidityManager
	if manager != nil {
		lm = manager
	}
	executor := exec.New(lm, a.store, acl, a.log,
		exec.WithRetry(cfg.Chain.RetryAttempts, 500*time.Millisecond, 10*time.Second),
		exec.WithTxTimeout(cfg.Chain.TxTimeout),
	)
	if err := executor.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	a.exec = executor

	a.decider = decision.New(
		decision.NewHTTPTransport(cfg.Decision.BaseURL, cfg.Decision.Timeout),
		decision.Config{
			Attempts:         cfg.Decision.Retries,
			RetryInitial:     cfg.Decision.RetryInitial,
			RetryMax:         cfg.Decision.RetryMax,
			CacheSize:        cfg.Decision.CacheSize,
			CacheTTL:         cfg.Decision.CacheTTL,
			BreakerThreshold: cfg.Decision.BreakerThreshold,
			BreakerCooldown:  cfg.Decision.BreakerCooldown,
			RatePerSecond:    cfg.Decision.RatePerSecond,
			RateBurst:        cfg.Decision.RateBurst,
			CallTimeout:      cfg.Decision.Timeout,
		},
		a.log,
		decision.WithMetrics(a.metrics),
	)

	var fees gas.FeeSource
	if backend != nil {
		fees = chain.NewFeeOracle(backend)
	}
	a.gas = gas.New(fees, gas.Config{
		TTL:        cfg.Gas.TTL,
		BufferPct:  cfg.Gas.BufferPct,
		MaxGwei:    decimal.NewFromFloat(cfg.Gas.MaxGwei),
		MaxCostPct: decimal.NewFromFloat(cfg.Gas.MaxCostPct),
	}, a.log, a.now)

	a.safety = safety.New(router, safety.Config{
		Windows:         cfg.Safety.Windows,
		ManipulationBps: cfg.Safety.ManipulationBps,
		MinInterval:     time.Duration(cfg.Safety.MinIntervalHours * float64(time.Hour)),
		MinConfidence:   cfg.Safety.MinConfidence,
	}, a.log, a.now)

	journals, err := a.openJournals()
	if err != nil {
		return err
	}
	model := reward.NewModel(cfg.Reward.SlippageBps, decimal.NewFromFloat(cfg.Reward.ForecastHours))
	var sink reward.Sink
	if ts != nil {
		sink = ts
	}
	a.rewards = reward.NewTracker(model, a.store, journals, sink, a.log, a.now)

	if cfg.Feed.Enabled {
		routes := make(map[string][]string)
		for _, p := range cfg.Ledger.Pools {
			if p.Mode == string(oracle.ModeLocal) && strings.TrimSpace(p.FeedSymbol) != "" {
				routes[p.FeedSymbol] = append(routes[p.FeedSymbol], p.ID)
			}
		}
		client := feed.NewClient(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, a.log)
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		a.feed = feed.New(client, led, cfg.Feed.Account, routes, cfg.Feed.SampleInterval, a.log)
	}
	return nil
}

func managerConfig(cfg *config.Config) chain.ManagerConfig {
	pools := make(map[string]chain.PoolTokens, len(cfg.Ledger.Pools))
	for _, p := range cfg.Ledger.Pools {
		pools[p.ID] = chain.PoolTokens{
			Token0: common.HexToAddress(p.Token0),
			Token1: common.HexToAddress(p.Token1),
		}
	}
	return chain.ManagerConfig{
		Address:      common.HexToAddress(cfg.Chain.PositionManager),
		ChainID:      big.NewInt(cfg.Chain.ChainID),
		PrivateKey:   cfg.Chain.PrivateKey,
		Pools:        pools,
		GasBufferPct: cfg.Chain.GasBufferPct,
		ReceiptPoll:  cfg.Chain.ReceiptPoll,
		Deadline:     cfg.Chain.TxDeadline,
	}
}

func levelPercents(raw []uint64) ([ledger.LevelCount]uint64, error) {
	var out [ledger.LevelCount]uint64
	if len(raw) != ledger.LevelCount {
		return out, fmt.Errorf("expected %d level tolerances, got %d", ledger.LevelCount, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func ledgerPool(p config.PoolConfig) ledger.PoolConfig {
	return ledger.PoolConfig{
		ID:         p.ID,
		Address:    common.HexToAddress(p.Address),
		Decimals0:  p.Decimals0,
		Decimals1:  p.Decimals1,
		Mode:       oracle.Mode(p.Mode),
		Window:     p.Window,
		BufferSize: p.BufferSize,
	}
}

// registerPools adds configured pools the persisted ledger does not know
// and refreshes the configuration of those it does.
func (a *App) registerPools(ctx context.Context, led *ledger.Ledger) error {
	for _, p := range a.cfg.Ledger.Pools {
		pc := ledgerPool(p)
		if _, ok := led.Pool(p.ID); ok {
			if err := led.UpdatePool(ctx, a.cfg.Ledger.Admin, pc); err != nil {
				return fmt.Errorf("update pool %s: %w", p.ID, err)
			}
			continue
		}
		initial, err := fixedpoint.ParseWAD(p.InitialPrice)
		if err != nil {
			return fmt.Errorf("pool %s initial_price: %w", p.ID, err)
		}
		if err := led.RegisterPool(ctx, a.cfg.Ledger.Admin, pc, initial); err != nil {
			return fmt.Errorf("register pool %s: %w", p.ID, err)
		}
	}
	return nil
}

func (a *App) openJournals() (reward.Journals, error) {
	open := func(path string) (reward.Journal, error) {
		if strings.TrimSpace(path) == "" {
			return journal.Discard{}, nil
		}
		w, err := journal.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", path, err)
		}
		a.closers = append(a.closers, w.Close)
		return w, nil
	}
	var (
		out reward.Journals
		err error
	)
	if out.Shadow, err = open(a.cfg.Journal.ShadowPath); err != nil {
		return out, err
	}
	if out.Outcomes, err = open(a.cfg.Journal.OutcomePath); err != nil {
		return out, err
	}
	if out.Training, err = open(a.cfg.Journal.TrainingPath); err != nil {
		return out, err
	}
	return out, nil
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.close(); err != nil {
			a.log.Warn("shutdown close failed", zap.Error(err))
		}
	}()
	a.ts.Start(ctx)
	a.startMetricsServer(ctx)
	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("price feed stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)
	a.checkDecisionHealth(ctx)
	a.log.Info("orchestrator started",
		zap.Bool("shadow_mode", a.shadow()),
		zap.Duration("poll_interval", a.cfg.Orchestrator.PollInterval),
		zap.String("keeper", a.keeper),
		zap.Int("pools", len(a.ledger.Pools())),
	)

	a.cycle(ctx)
	ticker := time.NewTicker(a.cfg.Orchestrator.PollInterval)
	defer ticker.Stop()
	expire := time.NewTicker(a.cfg.Orchestrator.ExpireEvery)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expire.C:
			a.expireStale(ctx)
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.promHTTP == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.promHTTP)
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *App) checkDecisionHealth(ctx context.Context) {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	health, err := a.decider.Health(callCtx)
	if err != nil {
		a.log.Warn("decision service health check failed", zap.Error(err))
		return
	}
	a.log.Info("decision service health",
		zap.String("status", health.Status),
		zap.Bool("ml_model", health.HasMLModel),
		zap.Int64("decisions", health.DecisionsCount),
	)
}

func (a *App) shadow() bool {
	return a.cfg.Orchestrator.ShadowValue()
}

func (a *App) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Orchestrator.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Orchestrator.CallTimeout)
}

// active reports whether the loop may start another unit of work.
func (a *App) active(ctx context.Context) bool {
	return ctx.Err() == nil && !a.isPaused()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (a *App) expireStale(ctx context.Context) {
	for _, p := range a.ledger.Pools() {
		callCtx, cancel := a.callContext(ctx)
		levels, err := a.ledger.ExpireStale(callCtx, p.ID)
		cancel()
		if err != nil {
			a.log.Warn("expire stale failed", zap.String("pool", p.ID), zap.Error(err))
			continue
		}
		if len(levels) > 0 {
			a.log.Info("stale repositions expired", zap.String("pool", p.ID), zap.Ints("levels", levels))
		}
	}
	a.metrics.PendingRepositions.Set(float64(len(a.ledger.Pending())))
}

func (a *App) notify(ctx context.Context, message string) {
	if !a.alerts.Enabled() {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.alerts.Send(sendCtx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func wadFloat(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := fixedpoint.ToDecimal(x).Float64()
	return f
}
