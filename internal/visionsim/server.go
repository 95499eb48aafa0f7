// Package visionsim is a stand-in for the remote vision service.
//
// It accepts the scanner's websocket, answers every frame with a processed frame and,
// during the respiratory phase, a growing progress value and a simulated chest
// distance. It exists for local runs and end-to-end tests.
package visionsim

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/auth"
	vsws "github.com/swasth-ai/vitalscan/internal/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

// Config tunes the simulated service
type Config struct {
	// ProgressStep is added to respiratory progress per processed frame. Zero reports no progress.
	ProgressStep float64
	// ProcessDelay is the simulated inference time per frame
	ProcessDelay time.Duration
	// Signer validates the client's bearer token when enabled
	Signer *auth.Signer
}

// Server is an http.Handler serving one scanner connection per request
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	frames      atomic.Uint64
	connections atomic.Int32

	mu       sync.Mutex
	lastAuth string
}

// NewServer creates a simulator
func NewServer(cfg Config, logger *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With(zap.String("component", "visionsim")),
	}
}

// Frames returns how many frames were processed across all connections
func (s *Server) Frames() uint64 {
	return s.frames.Load()
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// LastAuthorization returns the Authorization header of the latest accepted request
func (s *Server) LastAuthorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if s.cfg.Signer.Enabled() {
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			s.logger.Warn("Connection rejected: missing token")
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.cfg.Signer.ValidateToken(token); err != nil {
			s.logger.Warn("Connection rejected: invalid token", zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastAuth = authHeader
	s.mu.Unlock()

	s.connections.Add(1)
	defer s.connections.Add(-1)

	clientID := r.Header.Get("X-Client-ID")
	s.logger.Info("Scanner connected", zap.String("clientID", clientID))
	s.serve(conn)
	s.logger.Info("Scanner disconnected", zap.String("clientID", clientID))
}

// session is the per-connection simulation state
type session struct {
	progress float64
	n        int
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	var state session
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Unexpected close", zap.Error(err))
			}
			return
		}

		var msg vsws.FrameMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Frame == "" {
			s.logger.Warn("Ignoring malformed frame message", zap.Error(err))
			continue
		}

		if s.cfg.ProcessDelay > 0 {
			time.Sleep(s.cfg.ProcessDelay)
		}

		reply := s.process(&state, msg)
		s.frames.Add(1)

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Warn("Failed to write reply", zap.Error(err))
			return
		}
	}
}

// process builds the reply for one frame. The frame is echoed back as the processed frame.
func (s *Server) process(state *session, msg vsws.FrameMessage) map[string]interface{} {
	state.n++
	reply := map[string]interface{}{
		"frame": msg.Frame,
	}

	switch entities.ScanPhase(msg.Phase) {
	case entities.PhaseRespiratory:
		// About 15 breaths a minute at 10 frames a second.
		reply["chest_dist"] = 120 + 4*math.Sin(float64(state.n)*2*math.Pi/40)
		if s.cfg.ProgressStep > 0 {
			state.progress = math.Min(100, state.progress+s.cfg.ProgressStep)
			reply["progress"] = state.progress
		}
	case entities.PhaseKinematic:
		reply["sway"] = 0.5 * math.Sin(float64(state.n)/7)
	}

	return reply
}
