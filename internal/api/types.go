package api

import (
	"github.com/swasth-ai/vitalscan/domain/entities"
)

// ScanStatusResponse represents the live state of the running scan
type ScanStatusResponse struct {
	Session entities.SessionSnapshot `json:"session"`
	Frames  FrameStatsResponse       `json:"frames"`
}

// FrameStatsResponse represents the streaming counters
type FrameStatsResponse struct {
	Sent             uint64            `json:"sent"`
	Acknowledged     uint64            `json:"acknowledged"`
	FailsafeReleases uint64            `json:"failsafe_releases"`
	Skipped          map[string]uint64 `json:"skipped,omitempty"`
}

// AbortResponse represents the response payload for an abort request
type AbortResponse struct {
	SessionID string             `json:"session_id"`
	Phase     entities.ScanPhase `json:"phase"`
	Message   string             `json:"message"`
}

// ScanListResponse represents a page of stored scan records
type ScanListResponse struct {
	Scans []*entities.ScanRecord `json:"scans"`
	Count int                    `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
