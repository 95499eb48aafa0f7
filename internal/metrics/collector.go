// Package metrics exposes Prometheus instrumentation for a scan.
// Every Collector method is safe to call on a nil receiver so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the scan metrics, registered on its own registry
type Collector struct {
	registry *prometheus.Registry

	// Streaming
	framesSent        *prometheus.CounterVec
	framesSkipped     *prometheus.CounterVec
	framesAcked       prometheus.Counter
	failsafeReleases  prometheus.Counter
	ackLatency        prometheus.Histogram
	framesOutstanding prometheus.Gauge

	// Transport
	inboundMessages *prometheus.CounterVec
	channelState    *prometheus.GaugeVec

	// Phase machine
	phaseTransitions *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	phaseProgress    *prometheus.GaugeVec
	scansTotal       *prometheus.CounterVec

	// Acoustic
	acousticMagnitude prometheus.Histogram
	acousticSpikes    prometheus.Counter

	// Capture
	cameraDrops prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector with a fresh registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.framesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames sent to the vision service",
		},
		[]string{"phase"},
	)

	c.framesSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Total number of streaming ticks that did not send a frame",
		},
		[]string{"reason"},
	)

	c.framesAcked = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_acknowledged_total",
		Help:      "Total number of frames acknowledged by a processed frame",
	})

	c.failsafeReleases = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failsafe_releases_total",
		Help:      "Total number of outstanding frames released by the failsafe timer",
	})

	c.ackLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_ack_latency_seconds",
		Help:      "Time from frame send to acknowledgment",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5},
	})

	c.framesOutstanding = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frames_outstanding",
		Help:      "Frames awaiting acknowledgment (0 or 1)",
	})

	c.inboundMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_inbound_messages_total",
			Help:      "Total number of inbound channel messages",
		},
		[]string{"status"}, // ok, malformed
	)

	c.channelState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Current transport channel state (1 for the active state)",
		},
		[]string{"state"},
	)

	c.phaseTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of scan phase transitions",
		},
		[]string{"from", "to"},
	)

	c.phaseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each scan phase",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"phase"},
	)

	c.phaseProgress = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_progress",
			Help:      "Progress of the active phase in [0,100]",
		},
		[]string{"phase"},
	)

	c.scansTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of finished scans",
		},
		[]string{"outcome"}, // complete, aborted
	)

	c.acousticMagnitude = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "acoustic_window_magnitude",
		Help:      "Average magnitude per acoustic window on the 0-255 scale",
		Buckets:   prometheus.LinearBuckets(0, 16, 16),
	})

	c.acousticSpikes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acoustic_spikes_total",
		Help:      "Total number of acoustic anomaly spikes reported",
	})

	c.cameraDrops = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "camera_frames_dropped_total",
		Help:      "Camera frames overwritten before being read",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry returns the registry the collector's metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler exposing the collector's metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordFrameSent records a frame handed to the transport
func (c *Collector) RecordFrameSent(phase string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(phase).Inc()
	c.framesOutstanding.Set(1)
}

// RecordFrameSkipped records a tick that did not send
func (c *Collector) RecordFrameSkipped(reason string) {
	if c == nil {
		return
	}
	c.framesSkipped.WithLabelValues(reason).Inc()
}

// RecordFrameAcknowledged records an acknowledgment and its latency
func (c *Collector) RecordFrameAcknowledged(latency time.Duration) {
	if c == nil {
		return
	}
	c.framesAcked.Inc()
	c.ackLatency.Observe(latency.Seconds())
	c.framesOutstanding.Set(0)
}

// RecordFailsafeRelease records a forced release of the outstanding frame
func (c *Collector) RecordFailsafeRelease() {
	if c == nil {
		return
	}
	c.failsafeReleases.Inc()
	c.framesOutstanding.Set(0)
}

// RecordInboundMessage records an inbound channel message
func (c *Collector) RecordInboundMessage(ok bool) {
	if c == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "malformed"
	}
	c.inboundMessages.WithLabelValues(status).Inc()
}

// SetChannelState marks state as the active transport state
func (c *Collector) SetChannelState(state string) {
	if c == nil {
		return
	}
	c.channelState.Reset()
	c.channelState.WithLabelValues(state).Set(1)
}

// RecordPhaseTransition records a transition and how long the previous phase lasted
func (c *Collector) RecordPhaseTransition(from, to string, spent time.Duration) {
	if c == nil {
		return
	}
	c.phaseTransitions.WithLabelValues(from, to).Inc()
	c.phaseDuration.WithLabelValues(from).Observe(spent.Seconds())
	c.phaseProgress.Reset()
	c.phaseProgress.WithLabelValues(to).Set(0)
}

// SetPhaseProgress records the progress of the active phase
func (c *Collector) SetPhaseProgress(phase string, progress float64) {
	if c == nil {
		return
	}
	c.phaseProgress.WithLabelValues(phase).Set(progress)
}

// RecordScanFinished records the end of a scan
func (c *Collector) RecordScanFinished(outcome string) {
	if c == nil {
		return
	}
	c.scansTotal.WithLabelValues(outcome).Inc()
}

// ObserveAcousticWindow records one window's magnitude
func (c *Collector) ObserveAcousticWindow(magnitude float64) {
	if c == nil {
		return
	}
	c.acousticMagnitude.Observe(magnitude)
}

// RecordAcousticSpike records a reported spike
func (c *Collector) RecordAcousticSpike() {
	if c == nil {
		return
	}
	c.acousticSpikes.Inc()
}

// RecordCameraDrop records a camera frame overwritten before it was read
func (c *Collector) RecordCameraDrop() {
	if c == nil {
		return
	}
	c.cameraDrops.Inc()
}
