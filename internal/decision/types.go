package decision

import (
	"errors"
	"strings"
)

var (
	ErrCircuitOpen = errors.New("decision circuit open")
	ErrMalformed   = errors.New("malformed decision response")
)

type Action string

const (
	ActionHold      Action = "hold"
	ActionRebalance Action = "rebalance"
	ActionReduce    Action = "reduce"
	ActionClose     Action = "close"
)

func (a Action) Valid() bool {
	switch a {
	case ActionHold, ActionRebalance, ActionReduce, ActionClose:
		return true
	}
	return false
}

func ParseAction(s string) Action {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return ActionHold
	}
	return a
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func ParseRisk(s string) RiskLevel {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r
	}
	return RiskHigh
}

type PositionInput struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner"`
	LowerTick     float64 `json:"lowerTick"`
	UpperTick     float64 `json:"upperTick"`
	Liquidity     float64 `json:"liquidity"`
	Token0Balance float64 `json:"token0_balance"`
	Token1Balance float64 `json:"token1_balance"`
	FeesEarned0   float64 `json:"fees_earned_0"`
	FeesEarned1   float64 `json:"fees_earned_1"`
	AgeSeconds    int64   `json:"age_seconds"`
}

type StateInput struct {
	Timestamp     float64        `json:"timestamp"`
	PoolID        string         `json:"poolId"`
	CurrentPrice  float64        `json:"current_price"`
	TWAP1h        float64        `json:"twap_1h,omitempty"`
	TWAP24h       float64        `json:"twap_24h,omitempty"`
	PriceUnit     string         `json:"price_unit"`
	DeviationPct  *float64       `json:"deviation_pct,omitempty"`
	ThresholdPct  *float64       `json:"threshold_pct,omitempty"`
	WithinBounds  *bool          `json:"within_bounds,omitempty"`
	Volatility1h  float64        `json:"volatility_1h"`
	Volatility24h float64        `json:"volatility_24h"`
	PoolLiquidity float64        `json:"pool_liquidity"`
	Volume24h     float64        `json:"volume_24h"`
	GasPrice      float64        `json:"gas_price"`
	GasUnit       string         `json:"gas_unit"`
	Position      PositionInput  `json:"position"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type Decision struct {
	Action            Action         `json:"action"`
	Confidence        float64        `json:"confidence"`
	Score             float64        `json:"score"`
	ExpectedReward    float64        `json:"expected_reward"`
	Reason            string         `json:"reason"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	RecommendedParams map[string]any `json:"recommended_params,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Fallback          bool           `json:"fallback"`
	Cached            bool           `json:"-"`
}

// wireDecision mirrors the service response before normalization.
type wireDecision struct {
	Action            *string        `json:"action"`
	Confidence        *float64       `json:"confidence"`
	Score             float64        `json:"score"`
	ExpectedReward    float64        `json:"expected_reward"`
	Reason            string         `json:"reason"`
	RiskLevel         string         `json:"risk_level"`
	RecommendedParams map[string]any `json:"recommended_params"`
	Metadata          map[string]any `json:"metadata"`
	Timestamp         float64        `json:"timestamp"`
}

func (w wireDecision) normalize() (Decision, error) {
	if w.Action == nil || w.Confidence == nil {
		return Decision{}, ErrMalformed
	}
	return Decision{
		Action:            ParseAction(*w.Action),
		Confidence:        clamp01(*w.Confidence),
		Score:             w.Score,
		ExpectedReward:    w.ExpectedReward,
		Reason:            w.Reason,
		RiskLevel:         ParseRisk(w.RiskLevel),
		RecommendedParams: w.RecommendedParams,
		Metadata:          w.Metadata,
	}, nil
}

type Health struct {
	Status            string  `json:"status"`
	HasMLModel        bool    `json:"has_ml_model"`
	ModelPath         string  `json:"model_path"`
	DecisionsCount    int64   `json:"decisions_count"`
	ErrorsCount       int64   `json:"errors_count"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	EngineInitialized bool    `json:"engine_initialized"`
}

func (h Health) Healthy() bool {
	return h.Status == "healthy"
}

func Fallback(reason string) Decision {
	return Decision{
		Action:     ActionHold,
		Confidence: 0.05,
		Reason:     reason,
		RiskLevel:  RiskHigh,
		Metadata:   map[string]any{"fallback": true},
		Fallback:   true,
	}
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
