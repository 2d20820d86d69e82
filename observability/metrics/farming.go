package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FarmingMetrics tracks engine calls, emitted events and the outbound
// transfer pipeline of the farming service.
type FarmingMetrics struct {
	operations      *prometheus.CounterVec
	events          *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	roundingDust    *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
	publishFailures *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
}

var (
	farmingOnce     sync.Once
	farmingRegistry *FarmingMetrics
)

// Farming returns the process-wide farming metrics, registering them with
// the default Prometheus registerer on first use.
func Farming() *FarmingMetrics {
	farmingOnce.Do(func() {
		farmingRegistry = &FarmingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farming",
				Name:      "operations_total",
				Help:      "Engine calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farming",
				Name:      "events_total",
				Help:      "Committed engine events by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farming",
				Name:      "transfers_total",
				Help:      "Outbound transfer attempts by reason and result.",
			}, []string{"reason", "result"}),
			outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "farming",
				Name:      "outbox_pending",
				Help:      "Outbound transfers waiting for delivery.",
			}),
			roundingDust: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "farming",
				Name:      "rounding_dust",
				Help:      "Cumulative emission remainder left undistributed per farm and reward asset.",
			}, []string{"farm", "asset"}),
			requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "farming",
				Name:      "http_request_duration_seconds",
				Help:      "Latency of API requests by route and status class.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
			publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farming",
				Name:      "event_publish_failures_total",
				Help:      "Events that could not be delivered to a sink.",
			}, []string{"sink"}),
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farming",
				Name:      "snapshots_total",
				Help:      "Scheduled farm snapshots by format and result.",
			}, []string{"format", "result"}),
		}
		prometheus.MustRegister(
			farmingRegistry.operations,
			farmingRegistry.events,
			farmingRegistry.transfers,
			farmingRegistry.outboxPending,
			farmingRegistry.roundingDust,
			farmingRegistry.requestDuration,
			farmingRegistry.publishFailures,
			farmingRegistry.snapshots,
		)
	})
	return farmingRegistry
}

func labelOrUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveOperation counts one engine call. Outcome is "ok" or the error kind.
func (m *FarmingMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelOrUnknown(operation), labelOrUnknown(outcome)).Inc()
}

func (m *FarmingMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(labelOrUnknown(eventType)).Inc()
}

// ObserveTransfer counts a delivery attempt. Result is one of "sent",
// "retry" or "failed".
func (m *FarmingMetrics) ObserveTransfer(reason, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(labelOrUnknown(reason), labelOrUnknown(result)).Inc()
}

func (m *FarmingMetrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// AddRoundingDust accumulates the undistributed remainder for a reward slot.
// Values beyond float precision are approximated.
func (m *FarmingMetrics) AddRoundingDust(farm, asset string, dust float64) {
	if m == nil || dust <= 0 {
		return
	}
	m.roundingDust.WithLabelValues(labelOrUnknown(farm), labelOrUnknown(asset)).Add(dust)
}

func (m *FarmingMetrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(labelOrUnknown(route), statusClass(status)).Observe(elapsed.Seconds())
}

func (m *FarmingMetrics) ObservePublishFailure(sink string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(labelOrUnknown(sink)).Inc()
}

func (m *FarmingMetrics) ObserveSnapshot(format string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshots.WithLabelValues(labelOrUnknown(format), result).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
