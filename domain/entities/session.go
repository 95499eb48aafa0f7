package entities

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a phase change is not the next sequential phase.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrResultAlreadySet is returned when a session already holds a result.
	ErrResultAlreadySet = errors.New("scan result already set")
	// ErrSessionEnded is returned when a mutation is attempted after abort.
	ErrSessionEnded = errors.New("scan session ended")
)

// StatusNotConnected is the status shown while the vision service is unreachable
const StatusNotConnected = "Vision service not connected"

const maxProgress = 100.0

// ScanSession is the aggregate root of a single scan.
// All state is private; it is changed only through the named operations below
// and is safe for concurrent readers.
type ScanSession struct {
	mu sync.RWMutex

	id        string
	startedAt time.Time

	phase              ScanPhase
	progress           float64
	statusMessage      string
	acousticAnomaly    bool
	lastProcessedFrame string
	lastTelemetry      map[string]interface{}
	connection         ChannelState

	result      *ScanResult
	completedAt *time.Time
	aborted     bool
}

// SessionSnapshot is a point-in-time copy of a ScanSession
type SessionSnapshot struct {
	ID                string                 `json:"id"`
	StartedAt         time.Time              `json:"started_at"`
	Phase             ScanPhase              `json:"phase"`
	PhaseName         string                 `json:"phase_name"`
	Progress          float64                `json:"progress"`
	StatusMessage     string                 `json:"status_message"`
	AcousticAnomaly   bool                   `json:"acoustic_anomaly"`
	HasProcessedFrame bool                   `json:"has_processed_frame"`
	Telemetry         map[string]interface{} `json:"telemetry,omitempty"`
	Connection        ChannelState           `json:"connection"`
	Result            *ScanResult            `json:"result,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Aborted           bool                   `json:"aborted"`
}

// NewScanSession creates a session in the Init phase
func NewScanSession() *ScanSession {
	return &ScanSession{
		id:            uuid.New().String(),
		startedAt:     time.Now(),
		phase:         PhaseInit,
		statusMessage: PhaseInit.StatusMessage(),
		connection:    ChannelConnecting,
	}
}

// ID returns the session identifier
func (s *ScanSession) ID() string {
	return s.id
}

// StartedAt returns the session creation time
func (s *ScanSession) StartedAt() time.Time {
	return s.startedAt
}

// Phase returns the active phase
func (s *ScanSession) Phase() ScanPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Progress returns the phase-scoped progress in [0,100]
func (s *ScanSession) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// StatusMessage returns the current human-readable status
func (s *ScanSession) StatusMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusMessage
}

// AcousticAnomaly reports whether an acoustic spike has been recorded
func (s *ScanSession) AcousticAnomaly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acousticAnomaly
}

// LastProcessedFrame returns the reference of the last annotated frame, or ""
func (s *ScanSession) LastProcessedFrame() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProcessedFrame
}

// Connection returns the last observed channel state
func (s *ScanSession) Connection() ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

// Result returns the fused result once the session is complete
func (s *ScanSession) Result() (ScanResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return ScanResult{}, false
	}
	return *s.result, true
}

// Aborted reports whether the session was torn down before completion
func (s *ScanSession) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// EnterPhase moves the session to next, which must directly follow the current phase.
// Progress resets to 0 and the status message is replaced.
func (s *ScanSession) EnterPhase(next ScanPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return ErrSessionEnded
	}
	expected, ok := s.phase.Next()
	if !ok || next != expected {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, next)
	}

	s.phase = next
	s.progress = 0
	s.statusMessage = next.StatusMessage()
	return nil
}

// AdvanceProgress raises progress to value, clamped to [0,100].
// Lower values are ignored so progress never decreases within a phase.
// It returns the resulting progress.
func (s *ScanSession) AdvanceProgress(value float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value > maxProgress {
		value = maxProgress
	}
	if value > s.progress {
		s.progress = value
	}
	return s.progress
}

// SetStatusMessage replaces the status message without changing phase
func (s *ScanSession) SetStatusMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusMessage = message
}

// FlagAcousticAnomaly records an acoustic spike. The flag is never cleared.
// It returns true only for the call that set it.
func (s *ScanSession) FlagAcousticAnomaly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acousticAnomaly {
		return false
	}
	s.acousticAnomaly = true
	return true
}

// SetProcessedFrame stores the latest annotated frame and its telemetry
func (s *ScanSession) SetProcessedFrame(ref string, telemetry map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref != "" {
		s.lastProcessedFrame = ref
	}
	if len(telemetry) > 0 {
		s.lastTelemetry = telemetry
	}
}

// SetConnection records the latest channel state
func (s *ScanSession) SetConnection(state ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = state
}

// Complete stores the fused result and stamps the completion time.
// A second call is rejected with ErrResultAlreadySet.
func (s *ScanSession) Complete(result ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return ErrResultAlreadySet
	}
	if s.aborted {
		return ErrSessionEnded
	}
	now := time.Now()
	s.result = &result
	s.completedAt = &now
	return nil
}

// Abort marks the session as torn down before completion
func (s *ScanSession) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.IsTerminal() || s.aborted {
		return
	}
	s.aborted = true
	s.statusMessage = reason
}

// Record builds the persisted form of a completed session
func (s *ScanSession) Record() (*ScanRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil || s.completedAt == nil {
		return nil, false
	}
	return &ScanRecord{
		SessionID:       s.id,
		StartedAt:       s.startedAt,
		CompletedAt:     *s.completedAt,
		Result:          *s.result,
		AcousticAnomaly: s.acousticAnomaly,
	}, true
}

// Snapshot returns a copy of the session state
func (s *ScanSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:                s.id,
		StartedAt:         s.startedAt,
		Phase:             s.phase,
		PhaseName:         s.phase.String(),
		Progress:          s.progress,
		StatusMessage:     s.statusMessage,
		AcousticAnomaly:   s.acousticAnomaly,
		HasProcessedFrame: s.lastProcessedFrame != "",
		Connection:        s.connection,
		Aborted:           s.aborted,
	}
	if len(s.lastTelemetry) > 0 {
		snap.Telemetry = make(map[string]interface{}, len(s.lastTelemetry))
		for k, v := range s.lastTelemetry {
			snap.Telemetry[k] = v
		}
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
