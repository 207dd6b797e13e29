// Package metrics provides Prometheus metrics for the draft engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Construct once and
// share; a nil *Metrics is safe to call, which keeps tests and the
// library path quiet.
type Metrics struct {
	SavesTotal           prometheus.Counter
	SaveRetriesTotal     prometheus.Counter
	FinalizesTotal       *prometheus.CounterVec
	ReconcileSweepsTotal prometheus.Counter
	ConflictsTotal       prometheus.Counter
	PurgedDraftsTotal    prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg
// skips registration, for processes that expose no scrape endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_draft_saves_total",
			Help: "Completed draft autosaves",
		}),
		SaveRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_draft_save_retries_total",
			Help: "Autosave attempts retried after a store error",
		}),
		FinalizesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_draft_finalizes_total",
			Help: "Finalize attempts by outcome",
		}, []string{"outcome"}),
		ReconcileSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_reconcile_sweeps_total",
			Help: "Reconciler sweeps over pending-sync drafts",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_version_conflicts_total",
			Help: "Version conflicts surfaced for user resolution",
		}),
		PurgedDraftsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_purged_drafts_total",
			Help: "Finalized drafts removed by local retention",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SavesTotal, m.SaveRetriesTotal, m.FinalizesTotal,
			m.ReconcileSweepsTotal, m.ConflictsTotal, m.PurgedDraftsTotal,
		)
	}
	return m
}

func (m *Metrics) Save() {
	if m != nil {
		m.SavesTotal.Inc()
	}
}

func (m *Metrics) SaveRetry() {
	if m != nil {
		m.SaveRetriesTotal.Inc()
	}
}

func (m *Metrics) Finalize(outcome string) {
	if m != nil {
		m.FinalizesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Sweep() {
	if m != nil {
		m.ReconcileSweepsTotal.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.ConflictsTotal.Inc()
	}
}

func (m *Metrics) Purged(n int64) {
	if m != nil && n > 0 {
		m.PurgedDraftsTotal.Add(float64(n))
	}
}
