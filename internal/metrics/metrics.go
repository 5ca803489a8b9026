// Package metrics exposes the Prometheus instrumentation of the billing
// engine. Collectors register on the default registry; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

var (
	ChargesAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charges_admitted_total",
		Help:      "Charges credited to a pool, replays excluded.",
	}, []string{"pool", "channel"})

	ChargesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charges_replayed_total",
		Help:      "Charge callbacks absorbed by the idempotency guard.",
	})

	AuthorizationsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_issued_total",
		Help:      "Spend authorizations granted.",
	}, []string{"channel"})

	AuthorizationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_rejected_total",
		Help:      "Spend authorizations refused for insufficient balance.",
	}, []string{"channel"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Settled authorization tokens.",
	}, []string{"channel"})

	SettledUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settled_units_total",
		Help:      "Minor currency units debited by settlements.",
	}, []string{"channel"})

	ScheduledSendsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_sends_processed_total",
		Help:      "Scheduled sends drained by the worker, by outcome.",
	}, []string{"outcome"})

	ScheduledSendsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_sends_requeued_total",
		Help:      "Stuck claims handed back to the queue by the reaper.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
