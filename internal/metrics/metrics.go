// Package metrics exposes Prometheus instrumentation for sessions, observers
// and the automation worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserpilot"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions held by the registry.",
	})
	ObserversActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers_active",
		Help:      "Number of subscribed observer connections.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events accepted by a session bridge, by kind.",
	}, []string{"kind"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not delivered, by reason.",
	}, []string{"reason"})
	Steps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Worker steps by terminal status.",
	}, []string{"status"})
	LoopsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loops_detected_total",
		Help:      "Times the loop detector forced a recovery action.",
	})
	ReasoningLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reasoning_latency_seconds",
		Help:      "Latency of reasoning service decisions.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)

// Drop reasons.
const (
	DropTimeout     = "publish_timeout"
	DropClosed      = "bridge_closed"
	DropSlowViewer  = "slow_observer"
	DropFrameReplay = "frame_superseded"
)

// ObserveReasoning records the duration of one decision since start.
func ObserveReasoning(start time.Time) {
	ReasoningLatency.Observe(time.Since(start).Seconds())
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
