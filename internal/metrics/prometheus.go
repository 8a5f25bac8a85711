package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "lp_rebalance_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		RepositionsRequested: p.counter("repositions_requested_total", "Reposition requests raised by the ledger."),
		RepositionsConfirmed: p.counter("repositions_confirmed_total", "Reposition requests committed by confirm."),
		RepositionsExpired:   p.counter("repositions_expired_total", "Reposition requests cleared by timeout."),
		RepositionsCancelled: p.counter("repositions_cancelled_total", "Reposition requests cancelled by an admin."),
		OracleUnavailable:    p.counter("oracle_unavailable_total", "Pool cycles skipped because the TWAP was unavailable."),
		DecisionFallbacks:    p.counter("decision_fallbacks_total", "Decisions synthesized as a fallback hold."),
		BreakerOpened:        p.counter("decision_breaker_opened_total", "Times the decision circuit breaker opened."),
		GateRejections:       p.counter("gate_rejections_total", "Actions held by the gas or safety gate."),
		ExecutionsSucceeded:  p.counter("executions_succeeded_total", "Reallocations that completed every step."),
		ExecutionsFailed:     p.counter("executions_failed_total", "Reallocations that failed at some step."),
		StuckHandles:         p.counter("stuck_handles_total", "Capital handles recorded as stuck after failed cleanup."),
		PendingRepositions:   p.gauge("pending_repositions", "Levels currently holding a pending reposition."),
		BreakerState:         p.gauge("decision_breaker_state", "Decision breaker state (0 closed, 1 open, 2 half-open)."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return promGauge{g}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
