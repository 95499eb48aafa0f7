package camera

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStartTimeout is returned when a pipeline does not reach PLAYING in time
	ErrStartTimeout = errors.New("camera: pipeline did not start in time")
	// ErrPipelineFailed wraps an error posted by the pipeline during startup
	ErrPipelineFailed = errors.New("camera: pipeline error on start")
	// ErrPipelineEOS is returned when the source ends before producing anything
	ErrPipelineEOS = errors.New("camera: pipeline reached end of stream on start")
)

const busPollInterval = 50 * time.Millisecond

// BusEventKind classifies a pipeline bus message
type BusEventKind int

const (
	BusOther BusEventKind = iota
	BusPlaying
	BusError
	BusEOS
)

// BusEvent is the part of a bus message that startup cares about.
// BusPlaying means the pipeline itself, not one of its elements, reached PLAYING.
type BusEvent struct {
	Kind BusEventKind
	Err  string
}

// AwaitPlaying drains bus events until the pipeline reports PLAYING, an error or EOS,
// or timeout elapses. next returns ok=false when nothing arrived within wait.
func AwaitPlaying(next func(wait time.Duration) (BusEvent, bool), timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrStartTimeout
		}

		event, ok := next(min(remaining, busPollInterval))
		if !ok {
			continue
		}

		switch event.Kind {
		case BusPlaying:
			return nil
		case BusError:
			return fmt.Errorf("%w: %s", ErrPipelineFailed, event.Err)
		case BusEOS:
			return ErrPipelineEOS
		}
	}
}
