// Package gstcam captures JPEG frames from a V4L2 camera through a GStreamer pipeline.
//
// Pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → jpegenc → appsink
//
// The appsink keeps a single buffer and drops older ones, so a slow reader only ever
// sees the newest frame.
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/adapters/camera"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

// ErrAlreadyRunning is returned by Start on a running camera
var ErrAlreadyRunning = errors.New("gstcam: camera already running")

const (
	busPollInterval = 50 * time.Millisecond
	playingTimeout  = 5 * time.Second
)

// Config holds capture settings
type Config struct {
	Device  string // e.g. /dev/video0; empty uses the v4l2src default
	Width   int
	Height  int
	FPS     int
	Quality int // jpegenc quality, 1-100
}

// GetDefaultConfig returns a 640x480 capture at 30 fps
func GetDefaultConfig() Config {
	return Config{
		Device:  "/dev/video0",
		Width:   640,
		Height:  480,
		FPS:     30,
		Quality: camera.DefaultJPEGQuality,
	}
}

// Camera implements CaptureDevice on top of GStreamer
type Camera struct {
	cfg     Config
	mailbox *camera.Mailbox
	logger  *zap.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	samples     atomic.Uint64
	emptyBuffer atomic.Uint64
}

// NewCamera creates a stopped camera
func NewCamera(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Camera {
	defaults := GetDefaultConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaults.Width, defaults.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaults.FPS
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = defaults.Quality
	}

	return &Camera{
		cfg:     cfg,
		mailbox: camera.NewMailbox(collector),
		logger:  logger.With(zap.String("component", "gstcam"), zap.String("device", cfg.Device)),
	}
}

// Start builds the pipeline and sets it playing
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil {
		return ErrAlreadyRunning
	}

	pipeline, sink, err := c.createPipeline()
	if err != nil {
		return err
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstcam: failed to start pipeline: %w", err)
	}

	if err := camera.AwaitPlaying(startupEvents(pipeline), playingTimeout); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstcam: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.pipeline = pipeline
	c.cancel = cancel

	c.wg.Add(1)
	go c.monitor(runCtx, pipeline)

	c.logger.Info("Camera started",
		zap.Int("width", c.cfg.Width),
		zap.Int("height", c.cfg.Height),
		zap.Int("fps", c.cfg.FPS))
	return nil
}

// Stop tears the pipeline down and waits for the bus monitor to exit
func (c *Camera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	err := c.pipeline.SetState(gst.StateNull)
	c.pipeline = nil
	c.mailbox.Reset()

	c.logger.Info("Camera stopped",
		zap.Uint64("samples", c.samples.Load()),
		zap.Uint64("emptyBuffers", c.emptyBuffer.Load()),
		zap.Uint64("drops", c.mailbox.Drops()))

	if err != nil {
		return fmt.Errorf("gstcam: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// CurrentFrame implements FrameSource interface
func (c *Camera) CurrentFrame() (entities.Frame, bool) {
	return c.mailbox.CurrentFrame()
}

func (c *Camera) createPipeline() (*gst.Pipeline, *app.Sink, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to create v4l2src: %w", err)
	}
	if c.cfg.Device != "" {
		src.SetProperty("device", c.cfg.Device)
	}

	elements := make([]*gst.Element, 0, 6)
	elements = append(elements, src)
	for _, name := range []string{"videoconvert", "videoscale", "videorate"} {
		elem, err := gst.NewElement(name)
		if err != nil {
			return nil, nil, fmt.Errorf("gstcam: failed to create %s: %w", name, err)
		}
		if name == "videorate" {
			elem.SetProperty("drop-only", true)
		}
		elements = append(elements, elem)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to create capsfilter: %w", err)
	}
	caps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", c.cfg.Width, c.cfg.Height, c.cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))
	elements = append(elements, capsfilter)

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to create jpegenc: %w", err)
	}
	encoder.SetProperty("quality", c.cfg.Quality)
	elements = append(elements, encoder)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	elements = append(elements, sink.Element)

	if err := pipeline.AddMany(elements...); err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, nil, fmt.Errorf("gstcam: failed to link elements: %w", err)
	}

	return pipeline, sink, nil
}

// onNewSample copies the encoded frame out of the GStreamer buffer into the mailbox
func (c *Camera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		c.emptyBuffer.Add(1)
		return gst.FlowOK
	}

	// GStreamer reuses the buffer.
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	c.samples.Add(1)
	c.mailbox.Publish(frame, c.cfg.Width, c.cfg.Height)
	return gst.FlowOK
}

// startupEvents reduces bus messages to the events camera.AwaitPlaying needs
func startupEvents(pipeline *gst.Pipeline) func(time.Duration) (camera.BusEvent, bool) {
	bus := pipeline.GetPipelineBus()
	name := pipeline.GetName()

	return func(wait time.Duration) (camera.BusEvent, bool) {
		msg := bus.TimedPop(wait)
		if msg == nil {
			return camera.BusEvent{}, false
		}

		switch msg.Type() {
		case gst.MessageError:
			return camera.BusEvent{Kind: camera.BusError, Err: msg.ParseError().Error()}, true
		case gst.MessageEOS:
			return camera.BusEvent{Kind: camera.BusEOS}, true
		case gst.MessageStateChanged:
			if msg.Source() == name {
				if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
					return camera.BusEvent{Kind: camera.BusPlaying}, true
				}
			}
		}
		return camera.BusEvent{Kind: camera.BusOther}, true
	}
}

func (c *Camera) monitor(ctx context.Context, pipeline *gst.Pipeline) {
	defer c.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.logger.Warn("Camera stream ended")
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			c.logger.Error("Camera pipeline error",
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()))
			return
		}
	}
}
