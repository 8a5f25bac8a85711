package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LoggingConfig      `yaml:"log"`
	State        StateConfig        `yaml:"state"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Feed         FeedConfig         `yaml:"feed"`
	Chain        ChainConfig        `yaml:"chain"`
	Decision     DecisionConfig     `yaml:"decision"`
	Gas          GasConfig          `yaml:"gas"`
	Safety       SafetyConfig       `yaml:"safety"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Journal      JournalConfig      `yaml:"journal"`
	Reward       RewardConfig       `yaml:"reward"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Timescale    TimescaleConfig    `yaml:"timescale"`
	Telegram     TelegramConfig     `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LedgerConfig struct {
	// Levels are whole-percent tolerances, one per risk level.
	Levels  []uint64     `yaml:"levels"`
	Admin   string       `yaml:"admin"`
	Keepers []string     `yaml:"keepers"`
	Pools   []PoolConfig `yaml:"pools"`
}

type PoolConfig struct {
	ID         string        `yaml:"id"`
	Address    string        `yaml:"address"`
	Token0     string        `yaml:"token0"`
	Token1     string        `yaml:"token1"`
	Decimals0  uint8         `yaml:"decimals0"`
	Decimals1  uint8         `yaml:"decimals1"`
	Mode       string        `yaml:"mode"`
	Window     time.Duration `yaml:"window"`
	BufferSize int           `yaml:"buffer_size"`
	FeeTier    uint32        `yaml:"fee_tier"`
	// InitialPrice seeds the reference price on first registration.
	InitialPrice string `yaml:"initial_price"`
	// FeedSymbol is the price feed channel for local-buffer pools.
	FeedSymbol string `yaml:"feed_symbol"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	// Account is the ledger keeper the feed pushes samples as.
	Account string `yaml:"account"`
}

type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	ChainID         int64         `yaml:"chain_id"`
	PositionManager string        `yaml:"position_manager"`
	PrivateKey      string        `yaml:"-"`
	GasBufferPct    uint64        `yaml:"gas_buffer_pct"`
	ReceiptPoll     time.Duration `yaml:"receipt_poll"`
	TxDeadline      time.Duration `yaml:"tx_deadline"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
	ObserveTimeout  time.Duration `yaml:"observe_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

type DecisionConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	CacheSize        int           `yaml:"cache_size"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	RateBurst        int           `yaml:"rate_burst"`
}

type GasConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Tier       string        `yaml:"tier"`
	BufferPct  int64         `yaml:"buffer_pct"`
	MaxGwei    float64       `yaml:"max_gwei"`
	MaxCostPct float64       `yaml:"max_cost_pct"`
}

type SafetyConfig struct {
	Windows          []time.Duration `yaml:"windows"`
	ManipulationBps  uint64          `yaml:"manipulation_bps"`
	MinIntervalHours float64         `yaml:"min_interval_hours"`
	MinConfidence    float64         `yaml:"min_confidence"`
}

type OrchestratorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ShadowMode    *bool         `yaml:"shadow_mode"`
	PositionDelay time.Duration `yaml:"position_delay"`
	PoolDelay     time.Duration `yaml:"pool_delay"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	ExpireEvery   time.Duration `yaml:"expire_every"`
	// Keeper is the account the bot confirms repositions as.
	Keeper string `yaml:"keeper"`
}

func (o OrchestratorConfig) ShadowValue() bool {
	if o.ShadowMode == nil {
		return true
	}
	return *o.ShadowMode
}

type JournalConfig struct {
	ShadowPath   string `yaml:"shadow_path"`
	OutcomePath  string `yaml:"outcome_path"`
	TrainingPath string `yaml:"training_path"`
}

type RewardConfig struct {
	ForecastHours        float64 `yaml:"forecast_hours"`
	SlippageBps          int64   `yaml:"slippage_bps"`
	Volume24h            float64 `yaml:"volume_24h"`
	TVL                  float64 `yaml:"tvl"`
	ActiveLiquidityRatio float64 `yaml:"active_liquidity_ratio"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	// OperatorAccount is the ledger account operator commands act as.
	OperatorAccount string `yaml:"operator_account"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/lp-rebalance-bot.db"
	}
	if len(cfg.Ledger.Levels) == 0 {
		cfg.Ledger.Levels = []uint64{1, 5, 10, 20}
	}
	for i := range cfg.Ledger.Pools {
		p := &cfg.Ledger.Pools[i]
		if p.Mode == "" {
			p.Mode = "native"
		}
		if p.Window == 0 {
			p.Window = 30 * time.Minute
		}
		if p.Mode == "local" && p.BufferSize == 0 {
			p.BufferSize = 256
		}
		if p.FeeTier == 0 {
			p.FeeTier = 3000
		}
		if p.Decimals0 == 0 && p.Decimals1 == 0 {
			p.Decimals0, p.Decimals1 = 18, 18
		}
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Feed.SampleInterval == 0 {
		cfg.Feed.SampleInterval = 15 * time.Second
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Chain.GasBufferPct == 0 {
		cfg.Chain.GasBufferPct = 20
	}
	if cfg.Chain.ReceiptPoll == 0 {
		cfg.Chain.ReceiptPoll = 2 * time.Second
	}
	if cfg.Chain.TxDeadline == 0 {
		cfg.Chain.TxDeadline = 20 * time.Minute
	}
	if cfg.Chain.TxTimeout == 0 {
		cfg.Chain.TxTimeout = 3 * time.Minute
	}
	if cfg.Chain.ObserveTimeout == 0 {
		cfg.Chain.ObserveTimeout = 10 * time.Second
	}
	if cfg.Chain.RetryAttempts == 0 {
		cfg.Chain.RetryAttempts = 3
	}
	if cfg.Decision.BaseURL == "" {
		cfg.Decision.BaseURL = "http://127.0.0.1:8000"
	}
	if cfg.Decision.Timeout == 0 {
		cfg.Decision.Timeout = 10 * time.Second
	}
	if cfg.Decision.Retries == 0 {
		cfg.Decision.Retries = 3
	}
	if cfg.Decision.RetryInitial == 0 {
		cfg.Decision.RetryInitial = time.Second
	}
	if cfg.Decision.RetryMax == 0 {
		cfg.Decision.RetryMax = 10 * time.Second
	}
	if cfg.Decision.CacheTTL == 0 {
		cfg.Decision.CacheTTL = 60 * time.Second
	}
	if cfg.Decision.CacheSize == 0 {
		cfg.Decision.CacheSize = 256
	}
	if cfg.Decision.BreakerThreshold == 0 {
		cfg.Decision.BreakerThreshold = 5
	}
	if cfg.Decision.BreakerCooldown == 0 {
		cfg.Decision.BreakerCooldown = 60 * time.Second
	}
	if cfg.Decision.RatePerSecond == 0 {
		cfg.Decision.RatePerSecond = 2
	}
	if cfg.Decision.RateBurst == 0 {
		cfg.Decision.RateBurst = 4
	}
	if cfg.Gas.TTL == 0 {
		cfg.Gas.TTL = 15 * time.Second
	}
	if cfg.Gas.Tier == "" {
		cfg.Gas.Tier = "standard"
	}
	if cfg.Gas.BufferPct == 0 {
		cfg.Gas.BufferPct = 20
	}
	if cfg.Gas.MaxGwei == 0 {
		cfg.Gas.MaxGwei = 200
	}
	if cfg.Gas.MaxCostPct == 0 {
		cfg.Gas.MaxCostPct = 12.5
	}
	if len(cfg.Safety.Windows) == 0 {
		cfg.Safety.Windows = []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour}
	}
	if cfg.Safety.ManipulationBps == 0 {
		cfg.Safety.ManipulationBps = 500
	}
	if cfg.Safety.MinIntervalHours == 0 {
		cfg.Safety.MinIntervalHours = 6
	}
	if cfg.Safety.MinConfidence == 0 {
		cfg.Safety.MinConfidence = 0.8
	}
	if cfg.Orchestrator.PollInterval == 0 {
		cfg.Orchestrator.PollInterval = 5 * time.Minute
	}
	if cfg.Orchestrator.ShadowMode == nil {
		enabled := true
		cfg.Orchestrator.ShadowMode = &enabled
	}
	if cfg.Orchestrator.PositionDelay == 0 {
		cfg.Orchestrator.PositionDelay = 2 * time.Second
	}
	if cfg.Orchestrator.PoolDelay == 0 {
		cfg.Orchestrator.PoolDelay = 5 * time.Second
	}
	if cfg.Orchestrator.CallTimeout == 0 {
		cfg.Orchestrator.CallTimeout = 30 * time.Second
	}
	if cfg.Orchestrator.ExpireEvery == 0 {
		cfg.Orchestrator.ExpireEvery = 10 * time.Minute
	}
	if cfg.Journal.ShadowPath == "" {
		cfg.Journal.ShadowPath = "data/shadow_decisions.ndjson"
	}
	if cfg.Journal.OutcomePath == "" {
		cfg.Journal.OutcomePath = "data/outcomes.ndjson"
	}
	if cfg.Journal.TrainingPath == "" {
		cfg.Journal.TrainingPath = "data/training_feedback.ndjson"
	}
	if cfg.Reward.ForecastHours == 0 {
		cfg.Reward.ForecastHours = 24
	}
	if cfg.Reward.SlippageBps == 0 {
		cfg.Reward.SlippageBps = 30
	}
	if cfg.Reward.ActiveLiquidityRatio == 0 {
		cfg.Reward.ActiveLiquidityRatio = 0.3
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LP_PRIVATE_KEY")); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LP_RPC_URL")); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LP_DECISION_URL")); v != "" {
		cfg.Decision.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LP_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("LP_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("LP_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	if len(cfg.Ledger.Levels) != 4 {
		return fmt.Errorf("ledger.levels must list 4 tolerances, got %d", len(cfg.Ledger.Levels))
	}
	for i, pct := range cfg.Ledger.Levels {
		if pct == 0 || pct > 100 {
			return fmt.Errorf("ledger.levels[%d] must be within (0, 100]", i)
		}
	}
	if strings.TrimSpace(cfg.Ledger.Admin) == "" {
		return errors.New("ledger.admin is required")
	}
	seen := make(map[string]struct{}, len(cfg.Ledger.Pools))
	for i, p := range cfg.Ledger.Pools {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("ledger.pools[%d].id is required", i)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("ledger.pools[%d]: duplicate id %s", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Mode != "native" && p.Mode != "local" {
			return fmt.Errorf("ledger.pools[%d].mode must be native or local", i)
		}
		if p.Window < time.Minute || p.Window > 7*24*time.Hour {
			return fmt.Errorf("ledger.pools[%d].window must be within [1m, 168h]", i)
		}
		if p.Mode == "local" && p.BufferSize <= 0 {
			return fmt.Errorf("ledger.pools[%d].buffer_size must be > 0", i)
		}
		if p.Mode == "native" && strings.TrimSpace(p.Address) == "" {
			return fmt.Errorf("ledger.pools[%d].address is required in native mode", i)
		}
		if strings.TrimSpace(p.InitialPrice) == "" {
			return fmt.Errorf("ledger.pools[%d].initial_price is required", i)
		}
	}
	if cfg.Feed.Enabled && strings.TrimSpace(cfg.Feed.URL) == "" {
		return errors.New("feed.url is required when feed is enabled")
	}
	if !cfg.Orchestrator.ShadowValue() {
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return errors.New("chain.rpc_url is required outside shadow mode")
		}
		if strings.TrimSpace(cfg.Chain.PositionManager) == "" {
			return errors.New("chain.position_manager is required outside shadow mode")
		}
		if strings.TrimSpace(cfg.Chain.PrivateKey) == "" {
			return errors.New("LP_PRIVATE_KEY is required outside shadow mode")
		}
	}
	if cfg.Chain.ChainID <= 0 {
		return errors.New("chain.chain_id must be > 0")
	}
	if cfg.Decision.Retries < 0 || cfg.Decision.CacheSize < 0 || cfg.Decision.BreakerThreshold < 0 {
		return errors.New("decision retries, cache_size and breaker_threshold must be >= 0")
	}
	if cfg.Decision.RatePerSecond < 0 {
		return errors.New("decision.rate_per_second must be >= 0")
	}
	switch cfg.Gas.Tier {
	case "low", "standard", "high", "urgent":
	default:
		return fmt.Errorf("gas.tier %q must be low, standard, high or urgent", cfg.Gas.Tier)
	}
	if cfg.Gas.MaxGwei < 0 || cfg.Gas.MaxCostPct < 0 || cfg.Gas.BufferPct < 0 {
		return errors.New("gas limits must be >= 0")
	}
	if cfg.Safety.MinConfidence < 0 || cfg.Safety.MinConfidence > 1 {
		return errors.New("safety.min_confidence must be within [0, 1]")
	}
	if cfg.Safety.MinIntervalHours < 0 {
		return errors.New("safety.min_interval_hours must be >= 0")
	}
	for i, w := range cfg.Safety.Windows {
		if w <= 0 {
			return fmt.Errorf("safety.windows[%d] must be > 0", i)
		}
	}
	if cfg.Orchestrator.PollInterval < 0 || cfg.Orchestrator.PositionDelay < 0 ||
		cfg.Orchestrator.PoolDelay < 0 || cfg.Orchestrator.CallTimeout < 0 {
		return errors.New("orchestrator intervals must be >= 0")
	}
	if cfg.Reward.SlippageBps < 0 || cfg.Reward.ForecastHours < 0 {
		return errors.New("reward slippage_bps and forecast_hours must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}
