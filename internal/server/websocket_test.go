package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"vpn-console/internal/auth"
)

type streamMessage struct {
	Type  string `json:"type"`
	Event *struct {
		Collection string         `json:"collection"`
		DocumentID string         `json:"documentId"`
		Account    map[string]any `json:"account"`
	} `json:"event"`
}

func (h *harness) dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	tok, err := auth.CreateToken("alice", h.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?token=" + tok + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var ready streamMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("ReadJSON(ready): %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("expected ready, got %q", ready.Type)
	}
	return conn
}

func TestStreamPingPong(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	conn := h.dialStream(t, srv, "")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp streamMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Type != "pong" {
		t.Fatalf("expected pong, got %q", resp.Type)
	}
}

func TestStreamDeliversAccountChanges(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	conn := h.dialStream(t, srv, "&collection=accounts")
	defer conn.Close()

	h.checkIn(t, "d1")
	code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/accounts/d1/ban", body: map[string]any{"reason": "fraud"}, headers: h.operator(t)})
	if code != http.StatusOK {
		t.Fatalf("ban: expected 200, got %d", code)
	}

	var statuses []string
	for len(statuses) < 2 {
		var msg streamMessage
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if msg.Type != "change" || msg.Event == nil {
			continue
		}
		if msg.Event.Collection != "accounts" || msg.Event.DocumentID != "d1" {
			t.Fatalf("unexpected event %+v", msg.Event)
		}
		statuses = append(statuses, msg.Event.Account["status"].(string))
	}
	if statuses[0] != "online" || statuses[1] != "banned" {
		t.Fatalf("expected online then banned, got %v", statuses)
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream?token=garbage")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	tok, _ := auth.CreateToken("alice", h.tokenCfg)
	resp, err = http.Get(srv.URL + "/v1/stream?token=" + tok + "&collection=sessions")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
