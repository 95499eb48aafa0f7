package entities

import "time"

// Frame is a single captured video frame.
// Data holds JPEG bytes and must not be modified once published.
type Frame struct {
	Data      []byte    `json:"-"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Empty reports whether the frame carries no image data
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// ChannelState represents the state of the transport channel to the vision service
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
	ChannelFailed     ChannelState = "failed"
)

// AcousticFinding is the outcome of the acoustic phase
type AcousticFinding string

const (
	FindingClearBaseline      AcousticFinding = "Clear Baseline"
	FindingCongestionDetected AcousticFinding = "Congestion Detected"
)

// ScanResult is the fused result record. It is produced once per session.
type ScanResult struct {
	RespiratoryScore   int             `json:"respiratory_score" bson:"respiratory_score"`
	KinematicStability int             `json:"kinematic_stability" bson:"kinematic_stability"`
	AcousticFinding    AcousticFinding `json:"acoustic_finding" bson:"acoustic_finding"`
	ScoreDelta         int             `json:"score_delta" bson:"score_delta"`
}

// ScanRecord is the persisted form of a completed scan
type ScanRecord struct {
	SessionID          string     `json:"session_id" bson:"session_id"`
	StartedAt          time.Time  `json:"started_at" bson:"started_at"`
	CompletedAt        time.Time  `json:"completed_at" bson:"completed_at"`
	Result             ScanResult `json:"result" bson:"result"`
	AcousticAnomaly    bool       `json:"acoustic_anomaly" bson:"acoustic_anomaly"`
	FramesSent         uint64     `json:"frames_sent" bson:"frames_sent"`
	FramesAcknowledged uint64     `json:"frames_acknowledged" bson:"frames_acknowledged"`
	FailsafeReleases   uint64     `json:"failsafe_releases" bson:"failsafe_releases"`
}
