package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/automate/internal/bus"
	"github.com/nextlevelbuilder/automate/internal/config"
	"github.com/nextlevelbuilder/automate/internal/router"
	"github.com/nextlevelbuilder/automate/internal/sessions"
)

// Server exposes the runtime over HTTP: a chat endpoint, a health probe,
// and a WebSocket event stream. It is the concrete bus.Broadcaster handed
// to subsystems that emit events.
type Server struct {
	cfg    *config.Config
	agents *router.Router

	mu      sync.RWMutex
	clients map[*client]struct{}

	limiter *rate.Limiter

	httpServer *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan bus.Event
}

// NewServer creates a gateway bound to the configured host and port.
func NewServer(cfg *config.Config, agents *router.Router) *Server {
	s := &Server{
		cfg:     cfg,
		agents:  agents,
		clients: make(map[*client]struct{}),
	}
	if rpm := cfg.Gateway.RateLimitRPM; rpm > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return s
}

// Broadcast fans an event out to every connected WebSocket client. Slow
// clients drop events rather than blocking the sender.
func (s *Server) Broadcast(event bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- event:
		default:
		}
	}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/config", s.handleConfig)

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.AuthToken
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	presented := strings.TrimPrefix(header, "Bearer ")
	if presented == header {
		// WebSocket clients can't always set headers; accept a query param.
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"agents": len(s.agents.GetAll()),
	})
}

// handleConfig dumps the effective configuration with secrets masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.cfg.MaskedCopy())
}

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"sessionId"`
	Reply     string `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		req.Channel = "api"
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	in := bus.InboundMessage{
		Channel:    req.Channel,
		SenderID:   req.UserID,
		Content:    req.Message,
		SessionKey: sessions.SessionID(req.Channel, req.UserID),
		UserID:     req.UserID,
	}
	reply, err := s.dispatch(r.Context(), in)
	if err != nil {
		slog.Warn("gateway: chat failed", "session", in.SessionKey, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{SessionID: in.SessionKey, Reply: reply})
}

// dispatch routes an inbound message to its agent and fans the reply out
// to event-stream subscribers as an outbound message.
func (s *Server) dispatch(ctx context.Context, in bus.InboundMessage) (string, error) {
	reply, err := s.agents.ProcessMessage(ctx, in.SessionKey, in.Content, nil, in.UserID)
	if err != nil {
		return "", err
	}
	s.Broadcast(bus.Event{Name: bus.EventChat, Payload: bus.OutboundMessage{
		Channel: in.Channel,
		ChatID:  in.SessionKey,
		Content: reply,
	}})
	return reply, nil
}

// handleWS upgrades to WebSocket and streams broadcast events until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan bus.Event, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()

	// Drain incoming frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
