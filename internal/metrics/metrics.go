// Package metrics exposes Prometheus counters for drawing and recall.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "nai_bot"

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of commands handled",
		},
		[]string{"command", "status"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "generations_total",
			Help:      "Total number of image generation requests",
		},
		[]string{"family", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "generation_duration_seconds",
			Help:      "Image generation request duration in seconds",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"family"},
	)

	PayloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payloads_total",
			Help:      "Generated payloads by kind",
		},
		[]string{"kind"},
	)

	RecallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "recall",
			Name:      "attempts_total",
			Help:      "Auto recall attempts by outcome",
		},
		[]string{"outcome"},
	)

	RecallResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "recall",
			Name:      "id_resolutions_total",
			Help:      "How the recalled message id was obtained",
		},
		[]string{"source"},
	)

	RecallsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "recall",
			Name:      "in_flight",
			Help:      "Recall tasks currently waiting or running",
		},
	)
)

func RecordCommand(command string, ok bool) {
	CommandsTotal.WithLabelValues(command, status(ok)).Inc()
}

func RecordGeneration(family string, ok bool, duration time.Duration) {
	GenerationsTotal.WithLabelValues(family, status(ok)).Inc()
	GenerationDuration.WithLabelValues(family).Observe(duration.Seconds())
}

func RecordPayload(kind string) {
	PayloadsTotal.WithLabelValues(kind).Inc()
}

func RecordRecall(outcome string) {
	RecallsTotal.WithLabelValues(outcome).Inc()
}

func RecordResolution(source string) {
	RecallResolutionsTotal.WithLabelValues(source).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
