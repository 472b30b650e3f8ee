package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_append_total",
			Help: "Message append attempts and results.",
		},
		[]string{
			// ok, existing, toolarge, notfound, overquota, error
			"result",
		},
	)

	metricAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mstore_append_duration_seconds",
			Help:    "Duration of message append operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	metricEncryptGate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_encryptgate_failures_total",
			Help: "Encryption gate failures, by classification.",
		},
		[]string{
			// code, transient, permanent
			"class",
		},
	)

	metricPushEvent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_push_events_total",
			Help: "Push notification wake events, by result.",
		},
		[]string{
			// ok, dropped, error
			"result",
		},
	)
)

func AppendInc(result string) {
	metricAppend.WithLabelValues(result).Inc()
}

func AppendObserve(d time.Duration) {
	metricAppendDuration.Observe(d.Seconds())
}

func EncryptGateInc(class string) {
	metricEncryptGate.WithLabelValues(class).Inc()
}

func PushEventInc(result string) {
	metricPushEvent.WithLabelValues(result).Inc()
}
