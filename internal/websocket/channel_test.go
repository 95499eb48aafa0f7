package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/auth"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// visionServer is a minimal stand-in for the vision service.
// It answers every frame with a processed frame and progress, and records the handshake header.
type visionServer struct {
	*httptest.Server

	mu       sync.Mutex
	authz    string
	received []FrameMessage
	dropNext bool
}

func newVisionServer(t *testing.T) *visionServer {
	vs := &visionServer{}
	vs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.mu.Lock()
		vs.authz = r.Header.Get("Authorization")
		vs.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg FrameMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("server got invalid frame: %v", err)
				return
			}

			vs.mu.Lock()
			vs.received = append(vs.received, msg)
			drop := vs.dropNext
			vs.mu.Unlock()

			if drop {
				return
			}

			reply, _ := json.Marshal(map[string]interface{}{
				"frame":      msg.Frame,
				"progress":   float64(len(vs.frames())) * 10,
				"chest_dist": 120.5,
			})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(vs.Close)
	return vs
}

func (vs *visionServer) wsURL() string {
	return "ws" + strings.TrimPrefix(vs.URL, "http")
}

func (vs *visionServer) frames() []FrameMessage {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return append([]FrameMessage(nil), vs.received...)
}

func (vs *visionServer) authorization() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.authz
}

func testFrame(phase entities.ScanPhase) domain.OutboundFrameMessage {
	return domain.OutboundFrameMessage{FrameData: []byte{0xff, 0xd8, 0xff, 0xd9}, Phase: phase}
}

func TestChannel_RoundTrip(t *testing.T) {
	server := newVisionServer(t)
	signer := auth.NewSigner("test-secret")

	channel := NewChannel(Config{
		URL:       server.wsURL(),
		ClientID:  "kiosk-1",
		SessionID: "session-1",
		Signer:    signer,
	}, zaptest.NewLogger(t))
	defer channel.Close()

	inbound := make(chan domain.InboundChannelMessage, 4)
	channel.OnMessage(func(msg domain.InboundChannelMessage) {
		inbound <- msg
	})

	require.NoError(t, channel.Open(context.Background()))
	assert.Equal(t, entities.ChannelOpen, channel.State())

	require.NoError(t, channel.Send(testFrame(entities.PhaseRespiratory)))

	select {
	case msg := <-inbound:
		assert.True(t, msg.HasFrame())
		require.NotNil(t, msg.Progress)
		assert.Equal(t, 10.0, *msg.Progress)
		assert.Equal(t, 120.5, msg.Telemetry["chest_dist"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	frames := server.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].Phase)
	assert.True(t, strings.HasPrefix(frames[0].Frame, JPEGDataURLPrefix))

	authz := server.authorization()
	require.True(t, strings.HasPrefix(authz, "Bearer "), "missing bearer token: %q", authz)
	claims, err := signer.ValidateToken(strings.TrimPrefix(authz, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.ClientID)
	assert.Equal(t, "session-1", claims.SessionID)
}

func TestChannel_InboundOrder(t *testing.T) {
	server := newVisionServer(t)
	channel := NewChannel(Config{URL: server.wsURL(), SendBuffer: 8}, zaptest.NewLogger(t))
	defer channel.Close()

	var mu sync.Mutex
	var progress []float64
	channel.OnMessage(func(msg domain.InboundChannelMessage) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, *msg.Progress)
	})

	require.NoError(t, channel.Open(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, channel.Send(testFrame(entities.PhaseKinematic)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		assert.Less(t, progress[i-1], progress[i], "inbound messages out of order: %v", progress)
	}
}

func TestChannel_SendBeforeOpen(t *testing.T) {
	channel := NewChannel(Config{URL: "ws://127.0.0.1:1/unused"}, zaptest.NewLogger(t))

	err := channel.Send(testFrame(entities.PhaseRespiratory))
	assert.True(t, errors.Is(err, ErrChannelNotOpen), "got %v", err)
	assert.Equal(t, entities.ChannelConnecting, channel.State())
}

func TestChannel_OpenFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	channel := NewChannel(Config{URL: "ws" + strings.TrimPrefix(server.URL, "http")}, zaptest.NewLogger(t))

	var states []entities.ChannelState
	channel.OnStateChange(func(state entities.ChannelState) {
		states = append(states, state)
	})

	err := channel.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, entities.ChannelFailed, channel.State())
	assert.Equal(t, []entities.ChannelState{entities.ChannelFailed}, states)

	err = channel.Send(testFrame(entities.PhaseRespiratory))
	assert.True(t, errors.Is(err, ErrChannelNotOpen))

	assert.True(t, errors.Is(channel.Open(context.Background()), ErrAlreadyOpened))
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	server := newVisionServer(t)
	channel := NewChannel(Config{URL: server.wsURL()}, zaptest.NewLogger(t))

	require.NoError(t, channel.Open(context.Background()))
	require.NoError(t, channel.Close())
	require.NoError(t, channel.Close())

	assert.Equal(t, entities.ChannelClosed, channel.State())
	assert.True(t, errors.Is(channel.Send(testFrame(entities.PhaseKinematic)), ErrChannelNotOpen))
}

// Close racing an in-flight Open must not return while a pump still owns the connection.
func TestChannel_CloseDuringOpenWaitsForPumps(t *testing.T) {
	// Cancelled dials abort handshakes, so upgrade errors are expected here.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	for i := 0; i < 50; i++ {
		channel := NewChannel(Config{URL: url}, zaptest.NewLogger(t))

		opened := make(chan error, 1)
		go func() { opened <- channel.Open(context.Background()) }()
		if i%2 == 0 {
			time.Sleep(time.Duration(i%5) * 100 * time.Microsecond)
		}

		require.NoError(t, channel.Close())

		channel.mu.Lock()
		conn := channel.conn
		channel.mu.Unlock()
		if conn != nil {
			_, err := conn.NetConn().Write([]byte{0})
			assert.ErrorIs(t, err, net.ErrClosed, "iteration %d: connection still open after Close", i)
		}

		<-opened
		// A dial cancelled by Close may report Failed first; either way the channel has ended.
		assert.Contains(t, []entities.ChannelState{entities.ChannelClosed, entities.ChannelFailed}, channel.State())
	}
}

func TestChannel_CloseBeforeOpen(t *testing.T) {
	channel := NewChannel(Config{URL: "ws://127.0.0.1:1/unused"}, zaptest.NewLogger(t))

	require.NoError(t, channel.Close())
	assert.Equal(t, entities.ChannelClosed, channel.State())
	assert.Error(t, channel.Open(context.Background()))
}

func TestChannel_RemoteDropMarksFailed(t *testing.T) {
	server := newVisionServer(t)
	server.mu.Lock()
	server.dropNext = true
	server.mu.Unlock()

	channel := NewChannel(Config{URL: server.wsURL()}, zaptest.NewLogger(t))
	defer channel.Close()

	require.NoError(t, channel.Open(context.Background()))
	require.NoError(t, channel.Send(testFrame(entities.PhaseRespiratory)))

	require.Eventually(t, func() bool {
		return channel.State() == entities.ChannelFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, errors.Is(channel.Send(testFrame(entities.PhaseRespiratory)), ErrChannelNotOpen))
}
