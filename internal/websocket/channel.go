package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/auth"
	"github.com/swasth-ai/vitalscan/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Annotated frames come back as data URLs.
	maxMessageSize = 4 * 1024 * 1024

	defaultSendBuffer = 4
)

var (
	// ErrChannelNotOpen is returned by Send when the channel is not Open
	ErrChannelNotOpen = errors.New("channel not open")
	// ErrSendBufferFull is returned by Send when the write pump is behind
	ErrSendBufferFull = errors.New("channel send buffer full")
	// ErrAlreadyOpened is returned when Open is called more than once
	ErrAlreadyOpened = errors.New("channel already opened")
)

// Config configures a Channel
type Config struct {
	URL              string
	ClientID         string
	SessionID        string
	Signer           *auth.Signer
	HandshakeTimeout time.Duration
	SendBuffer       int
	Metrics          *metrics.Collector
}

// WriteData is one queued websocket write
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Channel is a client connection to the vision service.
// The write pump is the only goroutine writing to the connection and the read pump
// delivers inbound messages in arrival order.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu         sync.Mutex
	state      entities.ChannelState
	opened     bool
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	onMessage  func(domain.InboundChannelMessage)
	onState    func(entities.ChannelState)

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed once to stop both pumps.
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewChannel creates a channel in the Connecting state. Nothing is dialed until Open.
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger: logger.With(zap.String("component", "channel"), zap.String("sessionID", cfg.SessionID)),
		state:  entities.ChannelConnecting,
		send:   make(chan WriteData, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// OnMessage registers the inbound handler. It runs on the read pump goroutine.
func (c *Channel) OnMessage(handler func(domain.InboundChannelMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnStateChange registers a handler called after every state transition
func (c *Channel) OnStateChange(handler func(entities.ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// State returns the current channel state
func (c *Channel) State() entities.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the vision service. On success the state becomes Open and both pumps start.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.opened = true
	if c.state != entities.ChannelConnecting {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()

	c.cfg.Metrics.SetChannelState(string(entities.ChannelConnecting))

	header, err := c.handshakeHeader()
	if err != nil {
		c.transition(entities.ChannelFailed)
		return fmt.Errorf("build handshake: %w", err)
	}

	c.logger.Info("Connecting to vision service", zap.String("url", c.cfg.URL))

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		fields := []zap.Field{zap.String("url", c.cfg.URL), zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		c.logger.Warn("Vision service connection failed", fields...)
		c.transition(entities.ChannelFailed)
		return fmt.Errorf("dial vision service: %w", err)
	}

	c.mu.Lock()
	if c.state != entities.ChannelConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close()
		return ErrChannelNotOpen
	}
	c.conn = conn
	// Counted under mu so a concurrent Close either sees no connection or waits for both pumps.
	c.wg.Add(2)
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.transition(entities.ChannelOpen)
	c.logger.Info("Vision service connected")
	return nil
}

// Send queues a message without blocking
func (c *Channel) Send(msg domain.OutboundFrameMessage) error {
	payload, err := EncodeFrameMessage(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != entities.ChannelOpen {
		return ErrChannelNotOpen
	}

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close releases the connection. It is idempotent and waits for both pumps to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.mu.Unlock()

	c.shutdown(entities.ChannelClosed)
	c.wg.Wait()
	return nil
}

// shutdown stops the pumps and moves to final unless the channel already ended
func (c *Channel) shutdown(final entities.ChannelState) {
	c.doneOnce.Do(func() {
		close(c.done)
	})
	c.transition(final)
}

// transition moves to next and notifies the state handler.
// Closed and Failed are final; the first one wins.
func (c *Channel) transition(next entities.ChannelState) {
	c.mu.Lock()
	prev := c.state
	if prev == next || prev == entities.ChannelClosed || prev == entities.ChannelFailed {
		c.mu.Unlock()
		return
	}
	c.state = next
	handler := c.onState
	c.mu.Unlock()

	c.cfg.Metrics.SetChannelState(string(next))
	c.logger.Debug("Channel state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))

	if handler != nil {
		handler(next)
	}
}

func (c *Channel) handshakeHeader() (http.Header, error) {
	header := http.Header{}
	if c.cfg.ClientID != "" {
		header.Set("X-Client-ID", c.cfg.ClientID)
	}
	if !c.cfg.Signer.Enabled() {
		return header, nil
	}

	token, err := c.cfg.Signer.GenerateClientToken(c.cfg.ClientID, c.cfg.SessionID)
	if err != nil {
		return nil, err
	}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// readPump pumps messages from the websocket connection to the message handler.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer func() {
		c.wg.Done()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("Vision service connection dropped", zap.Error(err))
				} else {
					c.logger.Info("Vision service closed the connection", zap.Error(err))
				}
				c.shutdown(entities.ChannelFailed)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}

		msg, err := DecodeInboundMessage(message)
		if err != nil {
			c.cfg.Metrics.RecordInboundMessage(false)
			c.logger.Warn("Failed to parse message", zap.Error(err))
			continue
		}
		c.cfg.Metrics.RecordInboundMessage(true)

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Channel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				c.shutdown(entities.ChannelFailed)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(entities.ChannelFailed)
				return
			}
		}
	}
}
