package repositories

import (
	"context"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
)

// FrameSender is the outbound half of the vision channel
type FrameSender interface {
	Send(msg domain.OutboundFrameMessage) error
	State() entities.ChannelState
}

// VisionChannel is a bidirectional message channel to the remote vision service
type VisionChannel interface {
	FrameSender
	Open(ctx context.Context) error
	Close() error
	OnMessage(handler func(domain.InboundChannelMessage))
	OnStateChange(handler func(entities.ChannelState))
}
