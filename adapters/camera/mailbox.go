// Package camera holds the frame sources the streaming loop reads from.
package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

// Mailbox keeps only the most recent frame.
//
// Publish never blocks: a new frame replaces the old one, and replacing a frame that
// was never read counts as a drop. CurrentFrame does not consume, so the streaming
// loop can read the same frame again until a newer one arrives.
type Mailbox struct {
	mu    sync.Mutex
	frame entities.Frame
	has   bool
	read  bool
	seq   uint64

	drops   atomic.Uint64
	metrics *metrics.Collector
}

// NewMailbox creates an empty mailbox. collector may be nil.
func NewMailbox(collector *metrics.Collector) *Mailbox {
	return &Mailbox{metrics: collector}
}

// Publish stores a new frame. data must not be modified afterwards.
func (m *Mailbox) Publish(data []byte, width, height int) {
	m.mu.Lock()
	dropped := m.has && !m.read
	m.seq++
	m.frame = entities.Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: time.Now(),
		Seq:       m.seq,
	}
	m.has = true
	m.read = false
	m.mu.Unlock()

	if dropped {
		m.drops.Add(1)
		m.metrics.RecordCameraDrop()
	}
}

// CurrentFrame returns the latest frame, or false before the first Publish
func (m *Mailbox) CurrentFrame() (entities.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.has {
		return entities.Frame{}, false
	}
	m.read = true
	return m.frame, true
}

// Reset forgets the stored frame, as when the camera stops
func (m *Mailbox) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = entities.Frame{}
	m.has = false
	m.read = false
}

// Published returns how many frames were published
func (m *Mailbox) Published() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Drops returns how many frames were replaced before being read
func (m *Mailbox) Drops() uint64 {
	return m.drops.Load()
}
