// Package streaming pushes the latest camera frame to the vision service with at most
// one frame awaiting acknowledgment.
package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

const (
	// DefaultInterval gives roughly 10 frames per second
	DefaultInterval = 100 * time.Millisecond
	// DefaultAckTimeout bounds how long a frame may stay outstanding
	DefaultAckTimeout = 500 * time.Millisecond
)

// SkipReason explains why a tick did not send a frame
type SkipReason string

const (
	SkipPhase          SkipReason = "phase"
	SkipChannelNotOpen SkipReason = "channel_not_open"
	SkipOutstanding    SkipReason = "outstanding"
	SkipNoFrame        SkipReason = "no_frame"
	SkipSendRejected   SkipReason = "send_rejected"
)

// Config configures a Loop
type Config struct {
	Interval   time.Duration
	AckTimeout time.Duration
}

// PhaseFunc returns the active scan phase
type PhaseFunc func() entities.ScanPhase

// Stats counts loop activity since construction
type Stats struct {
	Sent             uint64
	Acknowledged     uint64
	FailsafeReleases uint64
	Skipped          map[SkipReason]uint64
}

// Loop is the frame streaming worker.
// The outstanding flag is the channel's outbound lock; it is set before a send and cleared
// by Acknowledge, by the failsafe timer, or immediately when the send is rejected.
type Loop struct {
	cfg     Config
	source  repositories.FrameSource
	channel repositories.FrameSender
	phase   PhaseFunc
	metrics *metrics.Collector
	logger  *zap.Logger

	mu          sync.Mutex
	outstanding bool
	generation  uint64
	sentAt      time.Time
	failsafe    *time.Timer
	stats       Stats

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoop creates a stopped loop
func NewLoop(
	cfg Config,
	source repositories.FrameSource,
	channel repositories.FrameSender,
	phase PhaseFunc,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	return &Loop{
		cfg:     cfg,
		source:  source,
		channel: channel,
		phase:   phase,
		metrics: collector,
		logger:  logger.With(zap.String("component", "streaming")),
		stats:   Stats{Skipped: make(map[SkipReason]uint64)},
	}
}

// Start launches the ticking goroutine. Calling Start on a running loop does nothing.
func (l *Loop) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.run(runCtx, l.done)

	l.logger.Info("Frame streaming started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Duration("ackTimeout", l.cfg.AckTimeout))
}

// Stop halts the loop and waits for its goroutine to exit.
// Any outstanding frame is released and the failsafe timer is stopped.
func (l *Loop) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if !l.running {
		return
	}

	l.cancel()
	<-l.done
	l.running = false

	l.mu.Lock()
	l.clearLocked()
	stats := l.stats
	l.mu.Unlock()

	l.logger.Info("Frame streaming stopped",
		zap.Uint64("sent", stats.Sent),
		zap.Uint64("acknowledged", stats.Acknowledged),
		zap.Uint64("failsafeReleases", stats.FailsafeReleases))
}

// Running reports whether the loop goroutine is active
func (l *Loop) Running() bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.running
}

// Acknowledge clears the outstanding flag. It reports whether a frame was outstanding.
func (l *Loop) Acknowledge() bool {
	l.mu.Lock()
	if !l.outstanding {
		l.mu.Unlock()
		return false
	}
	latency := time.Since(l.sentAt)
	l.clearLocked()
	l.stats.Acknowledged++
	l.mu.Unlock()

	l.metrics.RecordFrameAcknowledged(latency)
	return true
}

// Outstanding reports whether a frame is awaiting acknowledgment
func (l *Loop) Outstanding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// Stats returns a copy of the loop counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.stats
	out.Skipped = make(map[SkipReason]uint64, len(l.stats.Skipped))
	for k, v := range l.stats.Skipped {
		out.Skipped[k] = v
	}
	return out
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick sends the current frame if every gate passes
func (l *Loop) tick() {
	phase := l.phase()
	if !phase.IsOptical() {
		l.skip(SkipPhase)
		return
	}

	if l.channel.State() != entities.ChannelOpen {
		l.skip(SkipChannelNotOpen)
		return
	}

	l.mu.Lock()
	if l.outstanding {
		l.mu.Unlock()
		l.skip(SkipOutstanding)
		return
	}
	l.mu.Unlock()

	frame, ok := l.source.CurrentFrame()
	if !ok || frame.Empty() {
		l.skip(SkipNoFrame)
		return
	}

	l.mu.Lock()
	l.outstanding = true
	l.generation++
	gen := l.generation
	l.sentAt = time.Now()
	l.mu.Unlock()

	err := l.channel.Send(domain.OutboundFrameMessage{FrameData: frame.Data, Phase: phase})
	if err != nil {
		l.mu.Lock()
		if l.generation == gen {
			l.outstanding = false
		}
		l.mu.Unlock()

		l.skip(SkipSendRejected)
		l.logger.Debug("Frame send rejected", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return
	}

	l.mu.Lock()
	l.stats.Sent++
	// The reply may already have cleared the flag.
	if l.outstanding && l.generation == gen {
		l.failsafe = time.AfterFunc(l.cfg.AckTimeout, func() {
			l.release(gen)
		})
	}
	l.mu.Unlock()

	l.metrics.RecordFrameSent(phase.String())
}

// release is the failsafe: it clears the flag if frame gen is still outstanding
func (l *Loop) release(gen uint64) {
	l.mu.Lock()
	if !l.outstanding || l.generation != gen {
		l.mu.Unlock()
		return
	}
	l.outstanding = false
	l.failsafe = nil
	l.stats.FailsafeReleases++
	l.mu.Unlock()

	l.metrics.RecordFailsafeRelease()
	l.logger.Debug("Outstanding frame released by failsafe", zap.Uint64("generation", gen))
}

func (l *Loop) clearLocked() {
	l.outstanding = false
	l.generation++
	if l.failsafe != nil {
		l.failsafe.Stop()
		l.failsafe = nil
	}
}

func (l *Loop) skip(reason SkipReason) {
	l.mu.Lock()
	l.stats.Skipped[reason]++
	l.mu.Unlock()
	l.metrics.RecordFrameSkipped(string(reason))
}

