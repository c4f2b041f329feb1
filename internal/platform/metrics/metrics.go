package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the citizen registry. All methods
// are nil-safe so components can run without metrics wired.
type Metrics struct {
	// Redemption outcomes by result code ("ok" on success)
	Redemptions *prometheus.CounterVec

	RedeemLatency prometheus.Histogram

	// Citizens registered and index pages filled across all pools
	CitizensRegistered prometheus.Counter
	IndexPagesFilled   prometheus.Counter

	// Store transactions retried after a write conflict, by backend
	TxRetries *prometheus.CounterVec

	// Outbox relay
	EventsRelayed      prometheus.Counter
	RelayFailures      prometheus.Counter
	NotifierFailures   prometheus.Counter
	OutboxBatchLatency prometheus.Histogram
}

// New registers metrics on the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics on reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sortition_invite_redemptions_total",
			Help: "Invite redemptions by outcome code",
		}, []string{"outcome"}),
		RedeemLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sortition_invite_redeem_duration_seconds",
			Help:    "Duration of invite redemption including the store transaction",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		CitizensRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "sortition_citizens_registered_total",
			Help: "Citizens registered through invite redemption",
		}),
		IndexPagesFilled: f.NewCounter(prometheus.CounterOpts{
			Name: "sortition_citizen_index_pages_filled_total",
			Help: "Citizen index pages that reached capacity",
		}),
		TxRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sortition_store_tx_retries_total",
			Help: "Store transactions retried after a write conflict",
		}, []string{"backend"}),
		EventsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "sortition_outbox_events_relayed_total",
			Help: "Outbox events published to the event bus",
		}),
		RelayFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sortition_outbox_relay_failures_total",
			Help: "Outbox relay batches that failed to publish",
		}),
		NotifierFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sortition_notifier_failures_total",
			Help: "Post-commit notifications that returned an error",
		}),
		OutboxBatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sortition_outbox_batch_duration_seconds",
			Help:    "Duration of one outbox relay batch",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveRedemption records one redemption attempt.
func (m *Metrics) ObserveRedemption(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
	m.RedeemLatency.Observe(d.Seconds())
}

// IncCitizensRegistered records a committed citizen; pageFilled marks the
// redemption that filled its index page.
func (m *Metrics) IncCitizensRegistered(pageFilled bool) {
	if m == nil {
		return
	}
	m.CitizensRegistered.Inc()
	if pageFilled {
		m.IndexPagesFilled.Inc()
	}
}

// IncTxRetries records a conflict retry for backend.
func (m *Metrics) IncTxRetries(backend string) {
	if m != nil {
		m.TxRetries.WithLabelValues(backend).Inc()
	}
}

// ObserveRelayBatch records a relay batch of n events.
func (m *Metrics) ObserveRelayBatch(n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.OutboxBatchLatency.Observe(d.Seconds())
	if err != nil {
		m.RelayFailures.Inc()
		return
	}
	m.EventsRelayed.Add(float64(n))
}

// IncNotifierFailures records a failed post-commit notification.
func (m *Metrics) IncNotifierFailures() {
	if m != nil {
		m.NotifierFailures.Inc()
	}
}
