package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/automate/internal/bus"
	"github.com/nextlevelbuilder/automate/internal/config"
	"github.com/nextlevelbuilder/automate/internal/router"
)

type stubDriver struct{}

func (stubDriver) Complete(ctx context.Context, agent *router.ManagedAgent, sessionID, message string, onChunk func(string)) (string, error) {
	return "stub reply", nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	root := t.TempDir()
	off := false
	cfg := config.Default()
	cfg.Sessions.Directory = filepath.Join(root, "sessions")
	cfg.Memory.Directory = filepath.Join(root, "memory")
	cfg.Memory.SharedDirectory = filepath.Join(root, "shared")
	cfg.Memory.Embedding.Enabled = &off
	cfg.Cron.Enabled = &off
	cfg.Cron.Directory = filepath.Join(root, "cron")
	cfg.Skills.Directory = filepath.Join(root, "skills")
	if mutate != nil {
		mutate(cfg)
	}

	r := router.New(cfg, stubDriver{})
	if err := r.InitAgents(nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return NewServer(cfg, r)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["agents"] != float64(1) {
		t.Errorf("agents = %v, want 1", body["agents"])
	}
}

func TestHandleChat(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"channel":"webchat","userId":"u1","message":"hello"}`))
	rec := httptest.NewRecorder()
	s.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "webchat:u1" {
		t.Errorf("sessionId = %q", resp.SessionID)
	}
	if resp.Reply != "stub reply" {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestHandleChat_BroadcastsOutbound(t *testing.T) {
	s := newTestServer(t, nil)
	c := &client{send: make(chan bus.Event, 1)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"channel":"webchat","userId":"u1","message":"hello"}`))
	rec := httptest.NewRecorder()
	s.handleChat(rec, req)

	select {
	case event := <-c.send:
		if event.Name != bus.EventChat {
			t.Fatalf("event = %q, want %q", event.Name, bus.EventChat)
		}
		out, ok := event.Payload.(bus.OutboundMessage)
		if !ok {
			t.Fatalf("payload type %T, want bus.OutboundMessage", event.Payload)
		}
		if out.Channel != "webchat" || out.ChatID != "webchat:u1" || out.Content != "stub reply" {
			t.Errorf("outbound = %+v", out)
		}
	default:
		t.Fatal("no chat event broadcast")
	}
}

func TestHandleChat_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{nope", http.StatusBadRequest},
		{"empty message", http.MethodPost, `{"channel":"c","userId":"u"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleChat(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleChat_DefaultsChannelAndUser(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	s.handleChat(rec, req)

	var resp chatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.SessionID != "api:anonymous" {
		t.Errorf("sessionId = %q, want api:anonymous", resp.SessionID)
	}
}

func TestAuthorized(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.AuthToken = "hunter2"
	})

	tests := []struct {
		name   string
		header string
		query  string
		want   bool
	}{
		{"no credentials", "", "", false},
		{"bearer token", "Bearer hunter2", "", true},
		{"wrong bearer", "Bearer nope", "", false},
		{"query token", "", "hunter2", true},
		{"wrong query", "", "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := s.authorized(req); got != tt.want {
				t.Errorf("authorized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorized_OpenWithoutToken(t *testing.T) {
	s := newTestServer(t, nil)
	if !s.authorized(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("no configured token should mean open access")
	}
}

func TestHandleConfig_MasksSecrets(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Agent.APIKey = "sk-live-secret"
	})
	rec := httptest.NewRecorder()
	s.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "sk-live-secret") {
		t.Error("secret leaked through config dump")
	}
	if !strings.Contains(body, "claude-sonnet-4-5") {
		t.Error("non-secret config missing from dump")
	}
}

func TestHandleChat_RateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimitRPM = 1
	})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/chat",
			strings.NewReader(`{"message":"hi"}`))
		rec := httptest.NewRecorder()
		s.handleChat(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
}
