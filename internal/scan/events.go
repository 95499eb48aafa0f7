package scan

import (
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

// EventType identifies what a scan event reports
type EventType string

const (
	EventPhaseEntered      EventType = "phase_entered"
	EventConnectionFailed  EventType = "connection_failed"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventScanCompleted     EventType = "scan_completed"
	EventScanAborted       EventType = "scan_aborted"
	EventCameraUnavailable EventType = "camera_unavailable"
)

// PhaseEvent is emitted on every transition and on notable session changes.
// For non-transition events From and To both hold the current phase.
type PhaseEvent struct {
	SessionID string
	Type      EventType
	From      entities.ScanPhase
	To        entities.ScanPhase
	Timestamp time.Time
}

// emitEvent never blocks the driving loop
func (m *Machine) emitEvent(eventType EventType, from, to entities.ScanPhase) {
	event := PhaseEvent{
		SessionID: m.session.ID(),
		Type:      eventType,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}

	select {
	case m.events <- event:
	default:
		m.logger.Warn("Event channel full, dropping event", zap.String("type", string(eventType)))
	}
}

// Events returns the event channel. It is closed when Run returns.
func (m *Machine) Events() <-chan PhaseEvent {
	return m.events
}
