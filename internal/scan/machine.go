// Package scan drives a biometric scan through its six phases.
//
// A Machine owns one ScanSession. Its Run method is the single driving loop: it opens
// the vision channel, advances progress on a fixed tick, applies inbound channel
// messages and acoustic spikes in arrival order, and starts and stops the frame
// streaming loop and the audio analyzer as phases change.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
	"github.com/swasth-ai/vitalscan/internal/acoustic"
	"github.com/swasth-ai/vitalscan/internal/metrics"
	"github.com/swasth-ai/vitalscan/internal/streaming"
)

var (
	// ErrAlreadyStarted is returned when Run is called twice on the same machine
	ErrAlreadyStarted = errors.New("scan already started")
	// ErrAborted is returned by Run when the scan ends before Complete
	ErrAborted = errors.New("scan aborted")
	// ErrAbortRequested is the cause recorded when Abort is called
	ErrAbortRequested = errors.New("abort requested")
)

// StatusAborted is the status message of an aborted session
const StatusAborted = "Scan aborted"

const (
	inboundBuffer = 16
	saveTimeout   = 5 * time.Second

	// Progress at or above this counts as 100.
	completeThreshold = 100 - 1e-6
)

// Config holds the phase timing of a scan
type Config struct {
	Tick              time.Duration
	RespiratoryRamp   time.Duration
	KinematicDuration time.Duration
	AcousticDuration  time.Duration
	SettleDelay       time.Duration
	ConnectTimeout    time.Duration

	Blend       BlendPolicy
	EventBuffer int

	Streaming streaming.Config
	Acoustic  acoustic.Config
}

// DefaultConfig returns the standard timing: a 100 ms tick, a 40 s respiratory ramp
// (0.25 per tick), 20 s kinematic, 8 s acoustic and a 4 s settle.
func DefaultConfig() Config {
	return Config{
		Tick:              100 * time.Millisecond,
		RespiratoryRamp:   40 * time.Second,
		KinematicDuration: 20 * time.Second,
		AcousticDuration:  8 * time.Second,
		SettleDelay:       4 * time.Second,
		ConnectTimeout:    10 * time.Second,
		Blend:             MaxBlend,
		EventBuffer:       32,
		Streaming: streaming.Config{
			Interval:   streaming.DefaultInterval,
			AckTimeout: streaming.DefaultAckTimeout,
		},
		Acoustic: acoustic.Config{
			Threshold: acoustic.DefaultThreshold,
			Window:    acoustic.DefaultWindow,
		},
	}
}

// Dependencies are the collaborators of a Machine.
// Audio and Results may be nil; Session is created when nil.
// When Camera is set, Run starts and stops it and streams from it instead of Frames.
type Dependencies struct {
	Session *entities.ScanSession
	Channel repositories.VisionChannel
	Frames  repositories.FrameSource
	Camera  repositories.CaptureDevice
	Audio   repositories.AudioSource
	Results repositories.ScanResultRepository
	Metrics *metrics.Collector
}

// Machine is the scan phase state machine
type Machine struct {
	cfg     Config
	session *entities.ScanSession
	channel repositories.VisionChannel
	results repositories.ScanResultRepository
	metrics *metrics.Collector
	logger  *zap.Logger

	streamer *streaming.Loop
	analyzer *acoustic.Analyzer
	capture  *capture

	inbound chan domain.InboundChannelMessage
	spikes  chan float64
	events  chan PhaseEvent

	// Closed before the channel is closed so the read pump never blocks on inbound.
	detached   chan struct{}
	detachOnce sync.Once

	abort     chan struct{}
	abortOnce sync.Once

	started atomic.Bool

	// Owned by the Run goroutine.
	ctx            context.Context
	lastServer     float64
	phaseStartedAt time.Time
	settle         *time.Timer
}

// NewMachine creates a machine in the Init phase
func NewMachine(cfg Config, deps Dependencies, logger *zap.Logger) *Machine {
	defaults := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.RespiratoryRamp <= 0 {
		cfg.RespiratoryRamp = defaults.RespiratoryRamp
	}
	if cfg.KinematicDuration <= 0 {
		cfg.KinematicDuration = defaults.KinematicDuration
	}
	if cfg.AcousticDuration <= 0 {
		cfg.AcousticDuration = defaults.AcousticDuration
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaults.SettleDelay
	}
	if cfg.Blend == nil {
		cfg.Blend = MaxBlend
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}

	session := deps.Session
	if session == nil {
		session = entities.NewScanSession()
	}

	m := &Machine{
		cfg:      cfg,
		session:  session,
		channel:  deps.Channel,
		results:  deps.Results,
		metrics:  deps.Metrics,
		logger:   logger.With(zap.String("component", "scan"), zap.String("sessionID", session.ID())),
		inbound:  make(chan domain.InboundChannelMessage, inboundBuffer),
		spikes:   make(chan float64, 1),
		events:   make(chan PhaseEvent, cfg.EventBuffer),
		detached: make(chan struct{}),
		abort:    make(chan struct{}),
	}

	frames := deps.Frames
	if deps.Camera != nil {
		m.capture = newCapture(deps.Camera)
		frames = m.capture
	}

	m.streamer = streaming.NewLoop(cfg.Streaming, frames, deps.Channel, session.Phase, deps.Metrics, logger)
	m.analyzer = acoustic.NewAnalyzer(cfg.Acoustic, deps.Audio, m.postSpike, deps.Metrics, logger)

	return m
}

// Session returns the session the machine drives
func (m *Machine) Session() *entities.ScanSession {
	return m.session
}

// FrameStats returns the streaming counters
func (m *Machine) FrameStats() streaming.Stats {
	return m.streamer.Stats()
}

// Abort ends a running scan. Run returns ErrAborted. Calling Abort more than once is harmless.
func (m *Machine) Abort() {
	m.abortOnce.Do(func() {
		close(m.abort)
	})
}

// Run drives the scan to Complete and returns the fused result.
// It returns ErrAborted when ctx ends or Abort is called first; every worker, the
// microphone and the channel are released before it returns either way.
func (m *Machine) Run(ctx context.Context) (entities.ScanResult, error) {
	if !m.started.CompareAndSwap(false, true) {
		return entities.ScanResult{}, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = ctx

	defer close(m.events)
	defer m.teardown()

	m.channel.OnMessage(m.postInbound)
	m.channel.OnStateChange(m.session.SetConnection)

	m.phaseStartedAt = time.Now()
	m.logger.Info("Scan started", zap.String("phase", m.session.Phase().String()))

	m.startCapture(ctx)

	opened := make(chan error, 1)
	go func() {
		openCtx := ctx
		if m.cfg.ConnectTimeout > 0 {
			var openCancel context.CancelFunc
			openCtx, openCancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			defer openCancel()
		}
		opened <- m.channel.Open(openCtx)
	}()

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.aborted(ctx.Err())

		case <-m.abort:
			return m.aborted(ErrAbortRequested)

		case err := <-opened:
			opened = nil
			if err != nil {
				m.connectionFailed(err)
				continue
			}
			m.session.SetConnection(entities.ChannelOpen)
			m.advance()

		case msg := <-m.inbound:
			m.applyInbound(msg)

		case magnitude := <-m.spikes:
			m.applySpike(magnitude)

		case <-ticker.C:
			m.tick()

		case <-m.settleC():
			return m.complete()
		}
	}
}

// tick advances the local progress of the active phase
func (m *Machine) tick() {
	phase := m.session.Phase()
	prev := m.session.Progress()

	var next float64
	switch phase {
	case entities.PhaseRespiratory:
		next = m.cfg.Blend(prev, prev+m.step(m.cfg.RespiratoryRamp), m.lastServer)
	case entities.PhaseKinematic:
		next = prev + m.step(m.cfg.KinematicDuration)
	case entities.PhaseAcoustic:
		next = prev + m.step(m.cfg.AcousticDuration)
	default:
		return
	}

	m.setProgress(phase, next)
}

// step is the progress gained per tick for a phase lasting d
func (m *Machine) step(d time.Duration) float64 {
	return 100 * float64(m.cfg.Tick) / float64(d)
}

func (m *Machine) setProgress(phase entities.ScanPhase, value float64) {
	progress := m.session.AdvanceProgress(value)
	m.metrics.SetPhaseProgress(phase.String(), progress)

	if progress >= completeThreshold {
		m.advance()
	}
}

// advance leaves the current phase and enters the next one
func (m *Machine) advance() {
	from := m.session.Phase()
	to, ok := from.Next()
	if !ok {
		return
	}

	// Exit work
	switch from {
	case entities.PhaseKinematic:
		m.streamer.Stop()
	case entities.PhaseAcoustic:
		m.analyzer.Stop()
		m.drainSpikes()
	}

	if err := m.session.EnterPhase(to); err != nil {
		m.logger.Error("Phase transition rejected",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(err))
		return
	}

	now := time.Now()
	m.metrics.RecordPhaseTransition(from.String(), to.String(), now.Sub(m.phaseStartedAt))
	m.phaseStartedAt = now
	m.lastServer = 0

	m.logger.Info("Phase entered",
		zap.String("from", from.String()),
		zap.String("phase", to.String()))
	m.emitEvent(EventPhaseEntered, from, to)

	// Entry work
	switch to {
	case entities.PhaseRespiratory:
		m.streamer.Start(m.ctx)
	case entities.PhaseAcoustic:
		m.analyzer.Start(m.ctx)
	case entities.PhaseAnalyzing:
		m.closeChannel()
		m.settle = time.NewTimer(m.cfg.SettleDelay)
	}
}

// settleC is nil, and so never ready, until Analyzing is entered
func (m *Machine) settleC() <-chan time.Time {
	if m.settle == nil {
		return nil
	}
	return m.settle.C
}

// applyInbound handles one message from the vision service
func (m *Machine) applyInbound(msg domain.InboundChannelMessage) {
	if msg.HasFrame() {
		m.streamer.Acknowledge()
	}
	if msg.HasFrame() || len(msg.Telemetry) > 0 {
		m.session.SetProcessedFrame(msg.ProcessedFrame, msg.Telemetry)
	}

	if msg.Progress == nil {
		return
	}

	phase := m.session.Phase()
	if phase != entities.PhaseRespiratory {
		return
	}

	if server := *msg.Progress; server > m.lastServer {
		m.lastServer = server
	}
	prev := m.session.Progress()
	m.setProgress(phase, m.cfg.Blend(prev, prev, m.lastServer))
}

func (m *Machine) applySpike(magnitude float64) {
	if !m.session.FlagAcousticAnomaly() {
		return
	}
	phase := m.session.Phase()
	m.logger.Info("Acoustic anomaly flagged", zap.Float64("magnitude", magnitude))
	m.emitEvent(EventAnomalyDetected, phase, phase)
}

func (m *Machine) drainSpikes() {
	for {
		select {
		case magnitude := <-m.spikes:
			m.applySpike(magnitude)
		default:
			return
		}
	}
}

// complete synthesizes the result, enters Complete and stores the record
func (m *Machine) complete() (entities.ScanResult, error) {
	result := Synthesize(SynthesisInput{
		SessionID:       m.session.ID(),
		AcousticAnomaly: m.session.AcousticAnomaly(),
	})

	if err := m.session.Complete(result); err != nil {
		if !errors.Is(err, entities.ErrResultAlreadySet) {
			return entities.ScanResult{}, fmt.Errorf("complete session: %w", err)
		}
		m.logger.Warn("Result already set, keeping the first one")
		result, _ = m.session.Result()
	}

	m.advance()
	m.save()

	m.metrics.RecordScanFinished("complete")
	m.emitEvent(EventScanCompleted, entities.PhaseComplete, entities.PhaseComplete)
	m.logger.Info("Scan completed",
		zap.Int("respiratoryScore", result.RespiratoryScore),
		zap.Int("kinematicStability", result.KinematicStability),
		zap.String("acousticFinding", string(result.AcousticFinding)),
		zap.Int("scoreDelta", result.ScoreDelta))

	return result, nil
}

func (m *Machine) save() {
	if m.results == nil {
		return
	}

	record, ok := m.session.Record()
	if !ok {
		return
	}
	stats := m.streamer.Stats()
	record.FramesSent = stats.Sent
	record.FramesAcknowledged = stats.Acknowledged
	record.FailsafeReleases = stats.FailsafeReleases

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), saveTimeout)
	defer cancel()

	if err := m.results.Save(ctx, record); err != nil {
		m.logger.Error("Failed to save scan record", zap.Error(err))
	}
}

func (m *Machine) connectionFailed(err error) {
	m.session.SetConnection(entities.ChannelFailed)
	m.session.SetStatusMessage(entities.StatusNotConnected)
	m.logger.Warn("Vision service not connected, staying in init", zap.Error(err))
	m.emitEvent(EventConnectionFailed, entities.PhaseInit, entities.PhaseInit)
}

func (m *Machine) aborted(cause error) (entities.ScanResult, error) {
	phase := m.session.Phase()
	m.session.Abort(StatusAborted)
	m.metrics.RecordScanFinished("aborted")
	m.emitEvent(EventScanAborted, phase, phase)
	m.logger.Info("Scan aborted", zap.String("phase", phase.String()), zap.Error(cause))
	return entities.ScanResult{}, fmt.Errorf("%w: %w", ErrAborted, cause)
}

// teardown stops every worker and releases the channel. Each step is idempotent.
func (m *Machine) teardown() {
	if m.settle != nil {
		m.settle.Stop()
	}
	m.streamer.Stop()
	m.analyzer.Stop()
	m.stopCapture()
	m.closeChannel()
}

func (m *Machine) closeChannel() {
	m.detachOnce.Do(func() {
		close(m.detached)
	})
	if err := m.channel.Close(); err != nil {
		m.logger.Warn("Failed to close channel", zap.Error(err))
	}
}

// postInbound runs on the channel's read goroutine and preserves arrival order
func (m *Machine) postInbound(msg domain.InboundChannelMessage) {
	select {
	case m.inbound <- msg:
	case <-m.detached:
	}
}

// postSpike runs on the analyzer goroutine. The flag is sticky, so a full queue loses nothing.
func (m *Machine) postSpike(magnitude float64) {
	select {
	case m.spikes <- magnitude:
	default:
	}
}
