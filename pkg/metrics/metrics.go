/**
 * @description
 * This package provides the Prometheus collector for the stream-service. It
 * registers every metric on a private registry so the /metrics endpoint exposes
 * only service metrics, and exposes small recording methods the application
 * layer calls instead of touching Prometheus types directly.
 *
 * Tracked metrics:
 * - stream_commands_total: counter per command and outcome (ok, rejected, error).
 * - stream_command_duration_seconds: latency histogram per command.
 * - stream_events_published_total: events successfully handed to the broker.
 * - streams_by_health: gauge per health class, refreshed by the sweeper.
 *
 * @dependencies
 * - net/http, time: Standard Go libraries.
 * - github.com/prometheus/client_golang: Metric primitives and the HTTP handler.
 */
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the service's Prometheus registry and metrics.
type Collector struct {
	registry        *prometheus.Registry
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	eventsPublished prometheus.Counter
	streamsByHealth *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		commandsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "stream_commands_total",
			Help: "Total number of stream commands by outcome",
		}, []string{"command", "outcome"}),
		commandDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_command_duration_seconds",
			Help:    "Time taken to execute a stream command",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		eventsPublished: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "stream_events_published_total",
			Help: "Total number of stream events published to the broker",
		}),
		streamsByHealth: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "streams_by_health",
			Help: "Number of non-cancelled streams per health class",
		}, []string{"health"}),
	}
}

// RecordCommand records one command execution. Outcome is "ok", "rejected"
// (business rule said no) or "error" (infrastructure failure).
func (c *Collector) RecordCommand(command string, duration time.Duration, outcome string) {
	c.commandsTotal.WithLabelValues(command, outcome).Inc()
	c.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordEventPublished counts an event successfully handed to the broker.
func (c *Collector) RecordEventPublished() {
	c.eventsPublished.Inc()
}

// SetStreamHealthCount reports how many streams the last sweep classified into
// a health class.
func (c *Collector) SetStreamHealthCount(health string, count float64) {
	c.streamsByHealth.WithLabelValues(health).Set(count)
}

// GetHandler returns the HTTP handler serving this collector's registry.
func (c *Collector) GetHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
