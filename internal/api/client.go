// Package api holds the REST collaborators the chat core depends on:
// session creation and transcript history. The core only sees the
// SessionClient interface; this file provides the HTTP implementation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"streamchat/internal/domain"
)

// SessionClient creates backend sessions and fetches their history.
type SessionClient interface {
	// CreateSession returns a new session ID for the given tenant, user,
	// and mentor. Failures are treated as authentication problems by the
	// caller, so implementations must not retry.
	CreateSession(ctx context.Context, tenant, user, mentor string) (string, error)

	// FetchHistory returns the transcript bound to a session ID.
	FetchHistory(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Redirector forces the host to re-authenticate. Invoked when session
// creation fails or no auth token is available.
type Redirector func(reason string)

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // default 30s
	Logger  *slog.Logger
}

// Client is the HTTP SessionClient.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client with connection pooling.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: cfg.Logger,
	}
}

type createSessionRequest struct {
	Tenant string `json:"tenant"`
	User   string `json:"user"`
	Mentor string `json:"mentor"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession issues a single POST; no retry, since a failure here is
// treated as an authentication problem upstream.
func (c *Client) CreateSession(ctx context.Context, tenant, user, mentor string) (string, error) {
	body, err := json.Marshal(createSessionRequest{Tenant: tenant, User: user, Mentor: mentor})
	if err != nil {
		return "", fmt.Errorf("marshal create-session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create-session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session: HTTP %d: %s", resp.StatusCode, data)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create-session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: backend returned empty session id")
	}

	c.logger.Info("session created", "tenant", tenant, "mentor", mentor)
	return out.SessionID, nil
}

// FetchHistory loads a session transcript, retrying transient failures.
func (c *Client) FetchHistory(ctx context.Context, sessionID string) ([]domain.Message, error) {
	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+sessionID+"/history", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch history: HTTP %d: %s", resp.StatusCode, data)
	}

	var msgs []domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}
