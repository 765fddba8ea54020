package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"study-sync-service/internal/domain"
)

func TestWebSocketStreamsRefreshEvents(t *testing.T) {
	s := newTestServer(t)

	u := "ws" + s.URL[len("http"):] + "/ws?device=d1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, payload := readNext(conn, t, "ready")
	if payload["deviceId"] != "d1" {
		t.Fatalf("unexpected ready payload %v", payload)
	}

	if err := conn.WriteJSON(map[string]any{"type": "status"}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	_, payload = readNext(conn, t, "syncStatus")
	if payload["isLoggedIn"] != false {
		t.Fatalf("expected signed-out status, got %v", payload)
	}

	var created map[string]string
	if code := s.do(t, http.MethodPost, "/v1/devices/d1/backups", nil, &created); code != http.StatusCreated {
		t.Fatalf("create backup: status %d", code)
	}
	if code := s.do(t, http.MethodPost, "/v1/devices/d1/backups/"+created["backupId"]+"/restore", nil, nil); code != http.StatusOK {
		t.Fatalf("restore: status %d", code)
	}

	seen := map[string]bool{}
	for range domain.RefreshEvents {
		_, payload := readNext(conn, t, "refresh")
		if payload["deviceId"] != "d1" {
			t.Fatalf("refresh for wrong device: %v", payload)
		}
		name, _ := payload["name"].(string)
		seen[name] = true
	}
	for _, name := range domain.RefreshEvents {
		if !seen[name] {
			t.Fatalf("missing refresh event %s, saw %v", name, seen)
		}
	}
}

func TestWebSocketRejectsUnknownMessages(t *testing.T) {
	s := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+s.URL[len("http"):]+"/ws?device=d1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readNext(conn, t, "ready")

	if err := conn.WriteJSON(map[string]any{"type": "answer"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, payload := readNext(conn, t, "error")
	if payload["message"] != "unsupported message type" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestWebSocketRequiresDevice(t *testing.T) {
	s := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+s.URL[len("http"):]+"/ws", nil)
	if err == nil {
		t.Fatalf("expected dial to fail without device")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %v", resp)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}
