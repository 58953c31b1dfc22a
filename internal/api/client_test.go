package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"streamchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header: %q", got)
		}
		var req createSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Tenant != "acme" || req.Mentor != "mentor" {
			t.Errorf("request body: %+v", req)
		}
		json.NewEncoder(w).Encode(createSessionResponse{SessionID: "S1"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok", Logger: testLogger()})
	id, err := c.CreateSession(context.Background(), "acme", "u1", "mentor")
	if err != nil {
		t.Fatal(err)
	}
	if id != "S1" {
		t.Errorf("got %q", id)
	}
}

func TestCreateSession_NoRetryOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "bad", Logger: testLogger()})
	if _, err := c.CreateSession(context.Background(), "acme", "u1", "m"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("session creation must not retry, saw %d calls", calls.Load())
	}
}

func TestCreateSession_EmptyIDRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createSessionResponse{})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok", Logger: testLogger()})
	if _, err := c.CreateSession(context.Background(), "acme", "u1", "m"); err == nil {
		t.Fatal("empty session id must be an error")
	}
}

func TestFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S1/history" {
			t.Errorf("path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]domain.Message{
			{ID: "m1", Role: domain.RoleUser, Content: "hi", Visible: true},
			{ID: "g1", Role: domain.RoleAssistant, Content: "hello", Visible: true},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok", Logger: testLogger()})
	msgs, err := c.FetchHistory(context.Background(), "S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Errorf("got %+v", msgs)
	}
}

func TestDoWithRetry_RecoversFromTransientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := doWithRetry(ctx, srv.Client(), func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}
