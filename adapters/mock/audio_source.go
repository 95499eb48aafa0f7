package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/swasth-ai/vitalscan/domain/repositories"
)

// ErrPermissionDenied simulates a microphone the user refused
var ErrPermissionDenied = errors.New("mock: microphone permission denied")

// AudioSource is an AudioSource for testing. Tests push samples into the open stream.
type AudioSource struct {
	mu      sync.Mutex
	openErr error
	rate    float64
	opens   int
	current *AudioStream
	streams []*AudioStream
	opened  chan *AudioStream
}

// NewAudioSource creates a source that opens streams at sampleRate
func NewAudioSource(sampleRate float64) *AudioSource {
	return &AudioSource{rate: sampleRate, opened: make(chan *AudioStream, 8)}
}

// NewDeniedAudioSource creates a source whose Open always fails
func NewDeniedAudioSource() *AudioSource {
	return &AudioSource{openErr: ErrPermissionDenied, opened: make(chan *AudioStream, 8)}
}

// Open creates a new stream
func (a *AudioSource) Open(ctx context.Context) (repositories.AudioStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opens++
	if a.openErr != nil {
		return nil, a.openErr
	}

	stream := &AudioStream{
		rate:    a.rate,
		samples: make(chan []float32, 64),
		closed:  make(chan struct{}),
	}
	a.current = stream
	a.streams = append(a.streams, stream)
	select {
	case a.opened <- stream:
	default:
	}
	return stream, nil
}

// Opened delivers each stream as it is opened
func (a *AudioSource) Opened() <-chan *AudioStream {
	return a.opened
}

// Current returns the most recently opened stream, or nil
func (a *AudioSource) Current() *AudioStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Opens returns how many times Open was called
func (a *AudioSource) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// OpenStreams returns how many opened streams have not been closed
func (a *AudioSource) OpenStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, s := range a.streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// AudioStream is an in-memory AudioStream
type AudioStream struct {
	rate    float64
	samples chan []float32

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Samples returns the sample channel
func (s *AudioStream) Samples() <-chan []float32 {
	return s.samples
}

// SampleRate returns the stream's sample rate
func (s *AudioStream) SampleRate() float64 {
	return s.rate
}

// Push sends a buffer to the reader. It returns false once the stream is closed.
func (s *AudioStream) Push(buf []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.samples <- buf:
		return true
	case <-s.closed:
		return false
	}
}

// Close releases the stream and closes the sample channel
func (s *AudioStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.samples)
		s.mu.Unlock()
	})
	return nil
}

// Closed reports whether Close was called
func (s *AudioStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
