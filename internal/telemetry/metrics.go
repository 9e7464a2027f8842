package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_transitions_total", Help: "Lifecycle transitions accepted by the FSM"})
	TransitionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_transitions_rejected_total", Help: "Events silently rejected by guard evaluation"})
	LockContention      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_lock_contention_total", Help: "Events dropped because the job lock was held"})
	SideEffectFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_side_effect_failures_total", Help: "Best-effort side effects (calendar, notify) that failed"})

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_enqueued_total", Help: "Delivery jobs enqueued"})
	DeliverySuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_sent_total", Help: "Deliveries completed successfully"})
	DeliveryRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_retries_total", Help: "Deliveries that failed and were rescheduled"})
	DeliveryDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_dead_letter_total", Help: "Deliveries moved to the DLQ"})
	CriticalThrottle   = prometheus.NewCounter(prometheus.CounterOpts{Name: "delivery_critical_throttle_total", Help: "Sends delayed by the critical throttle tier"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_queue_depth", Help: "Ready delivery queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_inflight", Help: "Deliveries currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionsAccepted,
			TransitionsRejected,
			LockContention,
			SideEffectFailures,
			EnqueueCounter,
			DeliverySuccess,
			DeliveryRetries,
			DeliveryDeadLetter,
			CriticalThrottle,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
