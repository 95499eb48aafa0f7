package mock

import (
	"context"
	"errors"
	"sync"
)

// ErrNoCamera simulates a missing or denied camera
var ErrNoCamera = errors.New("mock: no camera device")

// CaptureDevice is a CaptureDevice for testing. Its frames are always ready, so a
// caller that reads from it after a failed Start is visible in Reads.
type CaptureDevice struct {
	*FrameSource

	startErr error

	mu     sync.Mutex
	starts int
	stops  int
}

// NewCaptureDevice creates a device whose Start returns startErr
func NewCaptureDevice(startErr error) *CaptureDevice {
	return &CaptureDevice{FrameSource: NewFrameSource(true), startErr: startErr}
}

// Start implements repositories.CaptureDevice
func (d *CaptureDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return d.startErr
}

// Stop implements repositories.CaptureDevice
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

// Starts returns how many times Start was called
func (d *CaptureDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Stops returns how many times Stop was called
func (d *CaptureDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}
