package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_samples_dropped_total",
		Help: "Samples dropped because the metrics append queue stayed saturated.",
	}, []string{"kind"})

	alertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_alerts_opened_total",
		Help: "Alerts opened, by rule.",
	}, []string{"rule"})
)

// ObserveSampleDropped counts one dropped sample.
func ObserveSampleDropped(kind string) {
	samplesDropped.WithLabelValues(kind).Inc()
}

// ObserveAlertOpened counts one opened alert.
func ObserveAlertOpened(rule string) {
	alertsOpened.WithLabelValues(rule).Inc()
}
