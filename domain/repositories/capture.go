package repositories

import (
	"context"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

// FrameSource provides the most recent camera frame.
// CurrentFrame never blocks and returns ok=false when no frame is available yet.
type FrameSource interface {
	CurrentFrame() (entities.Frame, bool)
}

// CaptureDevice is a FrameSource backed by hardware that must be started and stopped
type CaptureDevice interface {
	FrameSource
	Start(ctx context.Context) error
	Stop() error
}

// AudioSource opens microphone streams
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream delivers mono float32 samples in [-1,1].
// The samples channel is closed after Close returns or when the device fails.
type AudioStream interface {
	Samples() <-chan []float32
	SampleRate() float64
	Close() error
}
