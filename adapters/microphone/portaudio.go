// Package microphone captures live audio through PortAudio.
package microphone

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/repositories"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
	InputChannels   int
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      44100,
		FramesPerBuffer: 1024,
		InputChannels:   1,
	}
}

// Source opens the default input device. Each Open initializes PortAudio and the
// returned stream terminates it on Close, so no device handle outlives a stream.
type Source struct {
	config Config
	logger *zap.Logger
}

func NewSource(config Config, logger *zap.Logger) *Source {
	if config.InputChannels <= 0 {
		config.InputChannels = 1
	}
	return &Source{
		config: config,
		logger: logger.With(zap.String("component", "microphone")),
	}
}

// Open starts capturing from the default input device
func (s *Source) Open(ctx context.Context) (repositories.AudioStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buffer := make([]float32, s.config.FramesPerBuffer*s.config.InputChannels)
	stream, err := portaudio.OpenDefaultStream(
		s.config.InputChannels,
		0,
		s.config.SampleRate,
		s.config.FramesPerBuffer,
		buffer,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	cs := &captureStream{
		stream:   stream,
		buffer:   buffer,
		channels: s.config.InputChannels,
		rate:     s.config.SampleRate,
		samples:  make(chan []float32, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   s.logger,
	}
	go cs.capture(captureCtx)

	s.logger.Info("Microphone opened",
		zap.Float64("sampleRate", s.config.SampleRate),
		zap.Int("framesPerBuffer", s.config.FramesPerBuffer))
	return cs, nil
}

type captureStream struct {
	stream   *portaudio.Stream
	buffer   []float32
	channels int
	rate     float64
	samples  chan []float32

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    *zap.Logger
}

func (c *captureStream) Samples() <-chan []float32 {
	return c.samples
}

func (c *captureStream) SampleRate() float64 {
	return c.rate
}

func (c *captureStream) capture(ctx context.Context) {
	defer close(c.done)
	defer close(c.samples)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				continue
			}
			c.logger.Warn("Error reading audio", zap.Error(err))
			return
		}

		out := c.mono()
		select {
		case c.samples <- out:
		case <-ctx.Done():
			return
		default:
			// Drop audio if the reader is behind
		}
	}
}

// mono copies the capture buffer, averaging interleaved channels
func (c *captureStream) mono() []float32 {
	if c.channels == 1 {
		out := make([]float32, len(c.buffer))
		copy(out, c.buffer)
		return out
	}

	out := make([]float32, len(c.buffer)/c.channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < c.channels; ch++ {
			sum += c.buffer[i*c.channels+ch]
		}
		out[i] = sum / float32(c.channels)
	}
	return out
}

// Close stops capture, waits for the read loop to exit and releases the device
func (c *captureStream) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done

		if err := c.stream.Stop(); err != nil {
			c.closeErr = err
		}
		if err := c.stream.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		portaudio.Terminate()
		c.logger.Info("Microphone released")
	})
	return c.closeErr
}
