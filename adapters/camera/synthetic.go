package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

// DefaultJPEGQuality matches the quality the vision service expects
const DefaultJPEGQuality = 60

// ErrAlreadyRunning is returned by Start on a running source
var ErrAlreadyRunning = errors.New("camera already running")

// SyntheticConfig configures a SyntheticSource
type SyntheticConfig struct {
	Width   int
	Height  int
	FPS     float64
	Quality int
}

// GetDefaultSyntheticConfig returns a 640x480 feed at 30 fps
func GetDefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:   640,
		Height:  480,
		FPS:     30,
		Quality: DefaultJPEGQuality,
	}
}

// SyntheticSource generates JPEG frames without camera hardware.
// Each frame is a moving gradient with a band that rises and falls like a chest.
type SyntheticSource struct {
	cfg     SyntheticConfig
	mailbox *Mailbox
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyntheticSource creates a stopped source
func NewSyntheticSource(cfg SyntheticConfig, collector *metrics.Collector, logger *zap.Logger) *SyntheticSource {
	defaults := GetDefaultSyntheticConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaults.Width, defaults.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaults.FPS
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = defaults.Quality
	}

	return &SyntheticSource{
		cfg:     cfg,
		mailbox: NewMailbox(collector),
		logger:  logger.With(zap.String("component", "synthetic_camera")),
	}
}

// Start begins producing frames. The first frame is ready when Start returns.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	if err := s.publish(0); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.done)

	s.logger.Info("Synthetic camera started",
		zap.Int("width", s.cfg.Width),
		zap.Int("height", s.cfg.Height),
		zap.Float64("fps", s.cfg.FPS))
	return nil
}

// Stop halts frame production and waits for the producer to exit
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.mailbox.Reset()

	s.logger.Info("Synthetic camera stopped", zap.Uint64("published", s.mailbox.Published()))
	return nil
}

// CurrentFrame implements FrameSource interface
func (s *SyntheticSource) CurrentFrame() (entities.Frame, bool) {
	return s.mailbox.CurrentFrame()
}

// Mailbox exposes the frame store for inspection
func (s *SyntheticSource) Mailbox() *Mailbox {
	return s.mailbox
}

func (s *SyntheticSource) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.FPS))
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			if err := s.publish(n); err != nil {
				s.logger.Warn("Failed to encode synthetic frame", zap.Error(err))
			}
		}
	}
}

func (s *SyntheticSource) publish(n int) error {
	data, err := renderFrame(s.cfg, n)
	if err != nil {
		return err
	}
	s.mailbox.Publish(data, s.cfg.Width, s.cfg.Height)
	return nil
}

// renderFrame draws frame n and encodes it as JPEG
func renderFrame(cfg SyntheticConfig, n int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))

	// The band moves over a 4 second cycle at the configured rate.
	period := int(cfg.FPS * 4)
	if period < 2 {
		period = 2
	}
	phase := n % period
	if phase > period/2 {
		phase = period - phase
	}
	bandTop := cfg.Height/3 + phase*cfg.Height/(3*period)
	bandBottom := bandTop + cfg.Height/6

	for y := 0; y < cfg.Height; y++ {
		for x := 0; x < cfg.Width; x++ {
			c := color.RGBA{
				R: uint8((x + n) % 256),
				G: uint8(y % 256),
				B: 96,
				A: 255,
			}
			if y >= bandTop && y < bandBottom {
				c = color.RGBA{R: 220, G: 180, B: 160, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: cfg.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
