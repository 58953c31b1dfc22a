package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"streamchat/internal/domain"

	"github.com/gorilla/websocket"
)

func TestStopGenerating_Handshake(t *testing.T) {
	gotFrame := make(chan domain.CancelFrame, 1)
	srv, wsURL := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f domain.CancelFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Errorf("bad cancel frame: %v", err)
			return
		}
		gotFrame <- f
		conn.WriteMessage(websocket.TextMessage, []byte(`{"detail":"Stopped"}`))
	})
	defer srv.Close()

	cfg := testConfig(wsURL)
	s := NewSession(cfg)
	defer s.Close()

	if err := s.StopGenerating(context.Background(), "g42"); err != nil {
		t.Fatalf("handshake should succeed: %v", err)
	}

	select {
	case f := <-gotFrame:
		if f.GenerationID != "g42" {
			t.Errorf("generation_id: got %q", f.GenerationID)
		}
		if f.Tenant != "acme" || f.Username != "u1" || f.Name != "mentor" {
			t.Errorf("flow identity: got %+v", f)
		}
		if f.Token != "tok" {
			t.Errorf("token: got %q", f.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the cancel frame")
	}

	if !s.Paused() {
		t.Error("primary session should be paused after cancellation")
	}
}

func TestStopGenerating_TimeoutStillPauses(t *testing.T) {
	srv, wsURL := newWSServer(t, func(conn *websocket.Conn) {
		// Swallow the cancel frame and never acknowledge.
		conn.ReadMessage()
		conn.ReadMessage()
		conn.Close()
	})
	defer srv.Close()

	cfg := testConfig(wsURL)
	cfg.StopTimeout = 100 * time.Millisecond
	s := NewSession(cfg)
	defer s.Close()

	if err := s.StopGenerating(context.Background(), "g1"); err == nil {
		t.Error("expected an error when the ack never arrives")
	}
	if !s.Paused() {
		t.Error("session must still be forced into the paused state")
	}
}

func TestStopGenerating_IgnoresUnrelatedFrames(t *testing.T) {
	srv, wsURL := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","isTyping":false}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"detail":"Stopped"}`))
	})
	defer srv.Close()

	s := NewSession(testConfig(wsURL))
	defer s.Close()

	if err := s.StopGenerating(context.Background(), "g1"); err != nil {
		t.Fatalf("ack after unrelated frame should still count: %v", err)
	}
}
