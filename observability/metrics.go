package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks the escrow lifecycle: postings, bids, transitions and
// settlement outcomes.
type MarketMetrics struct {
	jobsPosted     prometheus.Counter
	bidsSubmitted  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	disputes       *prometheus.CounterVec
	activeJobs     prometheus.Gauge
	lockedFunds    prometheus.Gauge
	ledgerRetries  prometheus.Counter
	publishFailure *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the metrics registry for the marketplace engine.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			jobsPosted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_jobs_posted_total",
				Help: "Count of jobs posted with escrow successfully locked.",
			}),
			bidsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_bids_submitted_total",
				Help: "Count of bid submissions by acceptance result.",
			}, []string{"result"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_escrow_transitions_total",
				Help: "Count of escrow state transitions by destination state and trigger.",
			}, []string{"state", "trigger"}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_timeouts_fired_total",
				Help: "Count of timeout transitions by kind.",
			}, []string{"kind"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_disputes_resolved_total",
				Help: "Count of resolved disputes by verdict.",
			}, []string{"verdict"}),
			activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_active_jobs",
				Help: "Number of jobs whose escrow is not yet terminal.",
			}),
			lockedFunds: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_locked_funds",
				Help: "Sum of funds currently held under escrow locks.",
			}),
			ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_ledger_retries_total",
				Help: "Count of ledger append retries after transient unavailability.",
			}),
			publishFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_ledger_publish_failures_total",
				Help: "Count of ledger publishes that exhausted their retry budget, by topic.",
			}, []string{"topic"}),
		}
		prometheus.MustRegister(
			marketRegistry.jobsPosted,
			marketRegistry.bidsSubmitted,
			marketRegistry.transitions,
			marketRegistry.timeouts,
			marketRegistry.disputes,
			marketRegistry.activeJobs,
			marketRegistry.lockedFunds,
			marketRegistry.ledgerRetries,
			marketRegistry.publishFailure,
		)
	})
	return marketRegistry
}

// RecordJobPosted increments the posting counter.
func (m *MarketMetrics) RecordJobPosted() {
	if m == nil {
		return
	}
	m.jobsPosted.Inc()
}

// RecordBid increments the bid counter for the given result label.
func (m *MarketMetrics) RecordBid(accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.bidsSubmitted.WithLabelValues(result).Inc()
}

// RecordTransition counts one escrow transition.
func (m *MarketMetrics) RecordTransition(state, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(state), labelOrUnknown(trigger)).Inc()
}

// RecordTimeout counts one fired timeout of the given kind.
func (m *MarketMetrics) RecordTimeout(kind string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(labelOrUnknown(kind)).Inc()
}

// RecordDispute counts one resolved dispute by verdict.
func (m *MarketMetrics) RecordDispute(verdict string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(labelOrUnknown(verdict)).Inc()
}

// SetActiveJobs publishes the current non-terminal job count.
func (m *MarketMetrics) SetActiveJobs(count int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(count))
}

// SetLockedFunds publishes the current escrowed balance.
func (m *MarketMetrics) SetLockedFunds(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	f, _ := new(big.Float).SetInt(total).Float64()
	m.lockedFunds.Set(f)
}

// RecordLedgerRetry counts one retried ledger append.
func (m *MarketMetrics) RecordLedgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

// RecordPublishFailure counts one exhausted publish for the topic.
func (m *MarketMetrics) RecordPublishFailure(topic string) {
	if m == nil {
		return
	}
	m.publishFailure.WithLabelValues(labelOrUnknown(topic)).Inc()
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// APIMetrics tracks the HTTP surface of marketd.
type APIMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	apiOnce     sync.Once
	apiRegistry *APIMetrics
)

// API returns the metrics registry for the HTTP gateway.
func API() *APIMetrics {
	apiOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_api_requests_total",
				Help: "Count of HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "market_api_request_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.duration)
	})
	return apiRegistry
}

// Observe records one served request.
func (m *APIMetrics) Observe(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	m.requests.WithLabelValues(route, labelOrUnknown(status)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}
