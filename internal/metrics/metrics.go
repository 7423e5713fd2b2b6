// Package metrics holds the Prometheus collectors for the ledger node.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/types"
)

// OperationsCommitted counts committed ledger operations by kind.
var OperationsCommitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mkl_operations_committed_total",
		Help: "Total number of ledger operations committed",
	},
	[]string{"kind"},
)

// OperationsRejected counts failed operations by kind and reason.
var OperationsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mkl_operations_rejected_total",
		Help: "Total number of ledger operations rejected or failed",
	},
	[]string{"kind", "reason"},
)

// OperationLatency records how long committed operations took.
var OperationLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "mkl_operation_latency_seconds",
		Help:    "Latency in seconds to validate and commit a ledger operation",
		Buckets: prometheus.DefBuckets,
	},
)

// Ledger gauges, refreshed from Stats after each commit.
var (
	ActiveListings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mkl_active_listings",
		Help: "Number of records that are active listings",
	})

	ItemsCreated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mkl_items_created",
		Help: "Number of item identifiers allocated",
	})

	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mkl_event_subscribers",
		Help: "Number of connected event feed subscribers",
	})
)

// HTTPRequests counts API requests by route and status code.
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mkl_http_requests_total",
		Help: "Total number of API requests",
	},
	[]string{"route", "code"},
)

func init() {
	prometheus.MustRegister(OperationsCommitted, OperationsRejected, OperationLatency)
	prometheus.MustRegister(ActiveListings, ItemsCreated, EventSubscribers)
	prometheus.MustRegister(HTTPRequests)
}

// Recorder feeds ledger outcomes into the collectors.
type Recorder struct{}

var _ ledger.Recorder = Recorder{}

func (Recorder) Committed(ev types.Event, elapsed time.Duration) {
	OperationsCommitted.WithLabelValues(string(ev.Kind)).Inc()
	OperationLatency.Observe(elapsed.Seconds())
}

func (Recorder) Rejected(kind types.TransactionType, err error) {
	reason := ledger.Reason(err)
	if errors.Is(err, ledger.ErrUnknownOperation) {
		kind = "unknown"
	}
	OperationsRejected.WithLabelValues(string(kind), reason).Inc()
}

// ObserveStats sets the ledger gauges.
func ObserveStats(st ledger.Stats) {
	ActiveListings.Set(float64(st.Active))
	ItemsCreated.Set(float64(st.Created))
}
