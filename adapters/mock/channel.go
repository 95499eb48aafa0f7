package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
)

// ErrOpenRefused is the default error returned when a Channel is told to fail Open
var ErrOpenRefused = errors.New("mock: connection refused")

// Channel is an in-memory VisionChannel for testing.
// It counts frames awaiting a processed-frame reply so tests can assert the backpressure invariant.
type Channel struct {
	mu sync.Mutex

	state     entities.ChannelState
	openErr   error
	openGate  chan struct{}
	sendErr   error
	sent      []domain.OutboundFrameMessage
	inFlight  int
	maxFlight int
	closes    int

	onMessage func(domain.InboundChannelMessage)
	onState   func(entities.ChannelState)
}

// NewChannel creates a channel that opens successfully
func NewChannel() *Channel {
	return &Channel{state: entities.ChannelConnecting}
}

// NewFailingChannel creates a channel whose Open always fails
func NewFailingChannel(err error) *Channel {
	if err == nil {
		err = ErrOpenRefused
	}
	return &Channel{state: entities.ChannelConnecting, openErr: err}
}

// HoldOpen makes Open block until ReleaseOpen is called or its context ends
func (c *Channel) HoldOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openGate = make(chan struct{})
}

// ReleaseOpen lets a held Open proceed
func (c *Channel) ReleaseOpen() {
	c.mu.Lock()
	gate := c.openGate
	c.openGate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Open transitions to Open, or Failed when configured to fail
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	gate := c.openGate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			c.setState(entities.ChannelFailed)
			return ctx.Err()
		}
	}

	c.mu.Lock()
	err := c.openErr
	c.mu.Unlock()
	if err != nil {
		c.setState(entities.ChannelFailed)
		return err
	}
	c.setState(entities.ChannelOpen)
	return nil
}

// Send records the message when the channel is Open
func (c *Channel) Send(msg domain.OutboundFrameMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != entities.ChannelOpen {
		return errors.New("mock: channel not open")
	}
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, msg)
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	return nil
}

// State returns the current state
func (c *Channel) State() entities.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close marks the channel Closed
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.setState(entities.ChannelClosed)
	return nil
}

// OnMessage registers the inbound handler
func (c *Channel) OnMessage(handler func(domain.InboundChannelMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnStateChange registers the state handler
func (c *Channel) OnStateChange(handler func(entities.ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// Deliver simulates an inbound message. A message carrying a frame answers one in-flight send.
func (c *Channel) Deliver(msg domain.InboundChannelMessage) {
	c.mu.Lock()
	if msg.HasFrame() && c.inFlight > 0 {
		c.inFlight--
	}
	handler := c.onMessage
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// DropInFlight forgets in-flight sends, as when the service never replies
func (c *Channel) DropInFlight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = 0
}

// Fail simulates a dropped connection
func (c *Channel) Fail() {
	c.setState(entities.ChannelFailed)
}

// SetSendError makes subsequent sends fail with err
func (c *Channel) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every accepted message
func (c *Channel) Sent() []domain.OutboundFrameMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundFrameMessage(nil), c.sent...)
}

// SentCount returns the number of accepted messages
func (c *Channel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// MaxInFlight returns the highest number of unanswered sends observed
func (c *Channel) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight
}

// Closes returns how many times Close was called
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Channel) setState(state entities.ChannelState) {
	c.mu.Lock()
	if c.state == state || c.state == entities.ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}
