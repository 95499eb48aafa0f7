package scan

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
)

// capture owns the camera for one run. Frames are only read from a device that
// started; a device that failed to start reads as "no frame ready".
type capture struct {
	device  repositories.CaptureDevice
	running atomic.Bool
	started chan struct{}
}

func newCapture(device repositories.CaptureDevice) *capture {
	return &capture{device: device, started: make(chan struct{})}
}

// CurrentFrame implements repositories.FrameSource
func (c *capture) CurrentFrame() (entities.Frame, bool) {
	if !c.running.Load() {
		return entities.Frame{}, false
	}
	return c.device.CurrentFrame()
}

// startCapture brings the device up in the background. Startup may take seconds, and the
// scan proceeds on its timers meanwhile.
func (m *Machine) startCapture(ctx context.Context) {
	if m.capture == nil {
		return
	}

	go func() {
		defer close(m.capture.started)

		if err := m.capture.device.Start(ctx); err != nil {
			m.logger.Warn("Camera unavailable, continuing without frames", zap.Error(err))
			m.emitEvent(EventCameraUnavailable, m.session.Phase(), m.session.Phase())
			return
		}
		m.capture.running.Store(true)
		m.logger.Info("Camera started")
	}()
}

// stopCapture waits for a pending start and stops a running device
func (m *Machine) stopCapture() {
	if m.capture == nil {
		return
	}

	<-m.capture.started
	if !m.capture.running.Swap(false) {
		return
	}
	if err := m.capture.device.Stop(); err != nil {
		m.logger.Warn("Failed to stop camera", zap.Error(err))
	}
}
