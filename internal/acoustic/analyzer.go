// Package acoustic watches the microphone during the acoustic phase and reports the
// first window whose spectrum level crosses a threshold. Levels use the 0-255 scale of
// a browser AnalyserNode, so thresholds carry over from web clients.
package acoustic

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/repositories"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

const (
	// DefaultThreshold is on the 0-255 analyser scale
	DefaultThreshold = 60.0
	DefaultWindow    = 100 * time.Millisecond

	maxMagnitude = 255.0
)

// Config configures an Analyzer
type Config struct {
	Threshold float64
	Window    time.Duration
}

// SpikeFunc receives the magnitude of the first window above threshold
type SpikeFunc func(magnitude float64)

// Analyzer is the audio worker. It owns the audio stream for the duration of one run.
type Analyzer struct {
	cfg     Config
	source  repositories.AudioSource
	onSpike SpikeFunc
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.Mutex
	stream   repositories.AudioStream
	degraded bool
	spiked   bool
	windows  uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAnalyzer creates a stopped analyzer. source may be nil, which behaves like a
// device that is never available.
func NewAnalyzer(cfg Config, source repositories.AudioSource, onSpike SpikeFunc, collector *metrics.Collector, logger *zap.Logger) *Analyzer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	return &Analyzer{
		cfg:     cfg,
		source:  source,
		onSpike: onSpike,
		metrics: collector,
		logger:  logger.With(zap.String("component", "acoustic")),
	}
}

// Start opens the audio source and begins analysis in the background.
// Calling Start on a running analyzer does nothing.
func (a *Analyzer) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	a.mu.Lock()
	a.spiked = false
	a.degraded = false
	a.windows = 0
	a.mu.Unlock()

	go a.run(runCtx, a.done)
}

// Stop ends analysis and returns once the audio stream is closed
func (a *Analyzer) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if !a.running {
		return
	}

	a.cancel()
	<-a.done
	a.running = false

	a.mu.Lock()
	windows := a.windows
	spiked := a.spiked
	a.mu.Unlock()

	a.logger.Info("Acoustic analysis stopped",
		zap.Uint64("windows", windows),
		zap.Bool("spike", spiked))
}

// StreamOpen reports whether an audio stream is currently held
func (a *Analyzer) StreamOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream != nil
}

// Degraded reports whether the last run could not open the audio source
func (a *Analyzer) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

func (a *Analyzer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if a.source == nil {
		a.markDegraded(nil)
		return
	}

	stream, err := a.source.Open(ctx)
	if err != nil {
		a.markDegraded(err)
		return
	}

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()

	defer func() {
		if err := stream.Close(); err != nil {
			a.logger.Warn("Failed to close audio stream", zap.Error(err))
		}
		a.mu.Lock()
		a.stream = nil
		a.mu.Unlock()
	}()

	size := windowSamples(a.cfg.Window, stream.SampleRate())
	a.logger.Info("Acoustic analysis started",
		zap.Int("windowSamples", size),
		zap.Float64("threshold", a.cfg.Threshold))

	spectrum := NewSpectrum()
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-stream.Samples():
			if !ok {
				a.logger.Warn("Audio stream ended early")
				return
			}
			for len(buf) > 0 {
				n := min(size-count, len(buf))
				spectrum.Write(buf[:n])
				buf = buf[n:]
				count += n
				if count == size {
					a.window(spectrum.Magnitude())
					count = 0
				}
			}
		}
	}
}

func (a *Analyzer) window(magnitude float64) {
	a.metrics.ObserveAcousticWindow(magnitude)

	a.mu.Lock()
	a.windows++
	fire := magnitude > a.cfg.Threshold && !a.spiked
	if fire {
		a.spiked = true
	}
	a.mu.Unlock()

	if !fire {
		return
	}

	a.metrics.RecordAcousticSpike()
	a.logger.Info("Acoustic spike detected", zap.Float64("magnitude", magnitude))
	if a.onSpike != nil {
		a.onSpike(magnitude)
	}
}

func (a *Analyzer) markDegraded(err error) {
	a.mu.Lock()
	a.degraded = true
	a.mu.Unlock()
	a.logger.Warn("Audio source unavailable, continuing without acoustic analysis", zap.Error(err))
}

func windowSamples(window time.Duration, sampleRate float64) int {
	n := int(math.Round(window.Seconds() * sampleRate))
	if n < 1 {
		return 1
	}
	return n
}
