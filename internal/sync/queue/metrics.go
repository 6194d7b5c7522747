package queue

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	replayed prom.Counter
	retries  prom.Counter
	fatal    prom.Counter
}

func newMetrics(q *Queue, reg prom.Registerer) *metrics {
	m := &metrics{
		replayed: prom.NewCounter(prom.CounterOpts{Namespace: "shiftsync", Subsystem: "queue", Name: "replayed_total", Help: "Operations confirmed by the server during replay"}),
		retries:  prom.NewCounter(prom.CounterOpts{Namespace: "shiftsync", Subsystem: "queue", Name: "retries_total", Help: "Replay passes stopped by a retryable failure"}),
		fatal:    prom.NewCounter(prom.CounterOpts{Namespace: "shiftsync", Subsystem: "queue", Name: "fatal_total", Help: "Operations moved to the failed list"}),
	}
	if reg == nil {
		return m
	}

	// Gauges (scrape-time via GaugeFunc).
	pending := prom.NewGaugeFunc(prom.GaugeOpts{Namespace: "shiftsync", Subsystem: "queue", Name: "pending", Help: "Operations waiting for replay"}, func() float64 {
		return float64(q.PendingCount())
	})
	failed := prom.NewGaugeFunc(prom.GaugeOpts{Namespace: "shiftsync", Subsystem: "queue", Name: "failed", Help: "Operations that failed permanently and await user action"}, func() float64 {
		return float64(q.FailedCount())
	})
	reg.MustRegister(m.replayed, m.retries, m.fatal, pending, failed)
	return m
}
