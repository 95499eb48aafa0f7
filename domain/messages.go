package domain

import "github.com/swasth-ai/vitalscan/domain/entities"

// OutboundFrameMessage carries one captured frame to the vision service
type OutboundFrameMessage struct {
	FrameData []byte
	Phase     entities.ScanPhase
}

// InboundChannelMessage is a reply from the vision service.
// ProcessedFrame and Progress are both optional.
type InboundChannelMessage struct {
	ProcessedFrame string
	Progress       *float64
	Telemetry      map[string]interface{}
}

// HasFrame reports whether the message carries an annotated frame
func (m InboundChannelMessage) HasFrame() bool {
	return m.ProcessedFrame != ""
}
