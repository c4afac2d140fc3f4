package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics recorded by the broker.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ExecutesTotal       *prometheus.CounterVec
	CanaryTriggersTotal prometheus.Counter
	AuditEventsTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "moltbroker",
				Name:      "requests_total",
				Help:      "Total number of wire requests processed",
			},
			[]string{"type", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "moltbroker",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		ExecutesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "moltbroker",
				Name:      "executes_total",
				Help:      "Total action executions by outcome",
			},
			[]string{"action", "status"},
		),
		CanaryTriggersTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "moltbroker",
				Name:      "canary_triggers_total",
				Help:      "Total canary token detections",
			},
		),
		AuditEventsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "moltbroker",
				Name:      "audit_events_total",
				Help:      "Total audit events appended",
			},
		),
	}
}

// RegisterStateGauges registers gauges that sample broker state on scrape:
// the number of pending approvals and whether the kill switch is engaged.
func RegisterStateGauges(reg prometheus.Registerer, pendingApprovals func() int, killed func() bool) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "moltbroker",
			Name:      "pending_approvals",
			Help:      "Number of approvals awaiting an operator decision",
		},
		func() float64 { return float64(pendingApprovals()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "moltbroker",
			Name:      "kill_switch_engaged",
			Help:      "1 when the kill switch is engaged, 0 otherwise",
		},
		func() float64 {
			if killed() {
				return 1
			}
			return 0
		},
	)
}
