package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/swasth-ai/vitalscan/domain"
)

// JPEGDataURLPrefix prefixes every outbound frame
const JPEGDataURLPrefix = "data:image/jpeg;base64,"

// Wire keys understood by the state machine. Everything else is telemetry.
const (
	keyFrame    = "frame"
	keyProgress = "progress"
)

// ErrInvalidFrameRef is returned when a processed frame reference is not a base64 data URL
var ErrInvalidFrameRef = errors.New("invalid frame reference")

// FrameMessage is the outbound wire form of domain.OutboundFrameMessage
type FrameMessage struct {
	Frame string `json:"frame"`
	Phase int    `json:"phase"`
}

// EncodeFrameMessage converts an outbound frame into its JSON wire form
func EncodeFrameMessage(msg domain.OutboundFrameMessage) ([]byte, error) {
	if len(msg.FrameData) == 0 {
		return nil, fmt.Errorf("encode frame: empty frame data")
	}
	if !msg.Phase.Valid() {
		return nil, fmt.Errorf("encode frame: invalid phase %d", msg.Phase)
	}

	return json.Marshal(FrameMessage{
		Frame: JPEGDataURLPrefix + base64.StdEncoding.EncodeToString(msg.FrameData),
		Phase: int(msg.Phase),
	})
}

// DecodeInboundMessage parses a reply from the vision service.
// Both frame and progress are optional; a null or non-numeric progress is treated as absent.
func DecodeInboundMessage(data []byte) (domain.InboundChannelMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.InboundChannelMessage{}, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg domain.InboundChannelMessage

	if v, ok := raw[keyFrame]; ok {
		var frame string
		if err := json.Unmarshal(v, &frame); err == nil {
			msg.ProcessedFrame = frame
		}
		delete(raw, keyFrame)
	}

	if v, ok := raw[keyProgress]; ok {
		var progress *float64
		if err := json.Unmarshal(v, &progress); err == nil && progress != nil {
			msg.Progress = progress
		}
		delete(raw, keyProgress)
	}

	if len(raw) > 0 {
		msg.Telemetry = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var value interface{}
			if err := json.Unmarshal(v, &value); err != nil {
				continue
			}
			msg.Telemetry[k] = value
		}
	}

	return msg, nil
}

// DecodeFrameRef returns the image bytes held in a base64 data URL
func DecodeFrameRef(ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, "data:") {
		return nil, ErrInvalidFrameRef
	}

	comma := strings.IndexByte(ref, ',')
	if comma < 0 || !strings.HasSuffix(ref[:comma], ";base64") {
		return nil, ErrInvalidFrameRef
	}

	data, err := base64.StdEncoding.DecodeString(ref[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrameRef, err)
	}
	return data, nil
}
