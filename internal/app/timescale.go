package app

import (
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/metrics"
	"lp-rebalance-bot/internal/timescale"
)

// eventSink counts ledger transitions and forwards them to the history
// writer when one is configured.
type eventSink struct {
	metrics *metrics.Metrics
	ts      *timescale.Writer
}

func (s *eventSink) LedgerEvent(ev ledger.Event) {
	switch ev.Kind {
	case ledger.EventRequested:
		s.metrics.RepositionsRequested.Inc()
	case ledger.EventConfirmed:
		s.metrics.RepositionsConfirmed.Inc()
	case ledger.EventCancelled:
		s.metrics.RepositionsCancelled.Inc()
	case ledger.EventExpired:
		s.metrics.RepositionsExpired.Inc()
	}
	s.ts.LedgerEvent(ev)
}
