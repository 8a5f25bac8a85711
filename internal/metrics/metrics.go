package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	RepositionsRequested Counter
	RepositionsConfirmed Counter
	RepositionsExpired   Counter
	RepositionsCancelled Counter
	OracleUnavailable    Counter
	DecisionFallbacks    Counter
	BreakerOpened        Counter
	GateRejections       Counter
	ExecutionsSucceeded  Counter
	ExecutionsFailed     Counter
	StuckHandles         Counter

	PendingRepositions Gauge
	BreakerState       Gauge
}

type noop struct{}

func (noop) Inc()        {}
func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		RepositionsRequested: n,
		RepositionsConfirmed: n,
		RepositionsExpired:   n,
		RepositionsCancelled: n,
		OracleUnavailable:    n,
		DecisionFallbacks:    n,
		BreakerOpened:        n,
		GateRejections:       n,
		ExecutionsSucceeded:  n,
		ExecutionsFailed:     n,
		StuckHandles:         n,
		PendingRepositions:   n,
		BreakerState:         n,
	}
}
