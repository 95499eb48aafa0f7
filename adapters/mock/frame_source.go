package mock

import (
	"sync"
	"time"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

// FrameSource is a FrameSource for testing that serves a fixed synthetic frame
type FrameSource struct {
	mu    sync.Mutex
	ready bool
	seq   uint64
	reads int
}

// NewFrameSource creates a source; ready controls whether a frame is available
func NewFrameSource(ready bool) *FrameSource {
	return &FrameSource{ready: ready}
}

// SetReady toggles frame availability
func (f *FrameSource) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// CurrentFrame returns a tiny JPEG-marked frame when ready
func (f *FrameSource) CurrentFrame() (entities.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if !f.ready {
		return entities.Frame{}, false
	}
	f.seq++
	return entities.Frame{
		Data:      []byte{0xff, 0xd8, 0xff, 0xd9},
		Width:     2,
		Height:    2,
		Timestamp: time.Now(),
		Seq:       f.seq,
	}, true
}

// Reads returns how many times CurrentFrame was called
func (f *FrameSource) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
