// Package transport maintains the live connection to the streaming chat
// backend: one primary socket carrying chat frames and a short-lived side
// channel used to cancel an in-flight generation.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"streamchat/internal/domain"
	"streamchat/internal/metrics"

	"github.com/gorilla/websocket"
)

var (
	// ErrAuthRequired means no auth token is available outside an
	// anonymous-access context. The caller must redirect to
	// re-authentication instead of connecting.
	ErrAuthRequired = errors.New("transport: auth token required")

	// ErrRetriesExhausted means the initial connection never succeeded
	// within the retry ceiling.
	ErrRetriesExhausted = errors.New("transport: connection retries exhausted")

	// ErrSessionClosed means the session has been closed for good.
	ErrSessionClosed = errors.New("transport: session closed")
)

const writeTimeout = 10 * time.Second

// Config configures a Session.
type Config struct {
	URL       string // chat stream endpoint (ws:// or wss://)
	CancelURL string // stop-generation endpoint

	Flow      domain.Flow
	Token     string
	Anonymous bool // allow an empty token (shared/preview links)

	// Initial-connection retry policy. The source values are kept as
	// defaults; hosts may tune them.
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 5s

	StopTimeout      time.Duration // cancel-handshake ceiling, default 5s
	HandshakeTimeout time.Duration // websocket dial timeout, default 10s
	EventBuffer      int           // inbound event channel capacity, default 64

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Event is one notification delivered to the session's single consumer.
// Exactly one of Server, Status, or Err is meaningful per event.
type Event struct {
	Server domain.ServerEvent // protocol frame, nil for status-only events
	Status domain.Status      // connection status transition, "" when unset
	Err    error
}

// Session owns the primary chat socket. Inbound frames are parsed on the
// read goroutine and handed to a bounded channel consumed by a single
// reader, so frame ordering is structural rather than callback-dependent.
type Session struct {
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer

	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	sessionID  string
	pending    [][]byte
	attempts   int
	initial    bool
	epoch      int // bumped on every teardown; stale goroutines drop out
	paused     bool
	connecting bool
	closed     bool

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewSession creates a Session. It does not dial until Connect or Send.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		initial: true,
	}
}

// Events returns the inbound event channel. It must have a single consumer.
func (s *Session) Events() <-chan Event { return s.events }

// SessionID returns the backend session the socket is (or is being) bound to.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connected reports whether the primary socket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect binds the session to a backend session ID and dials the chat
// endpoint. Reuses the existing socket when already bound to the same
// session; otherwise tears the old one down first.
func (s *Session) Connect(ctx context.Context, sessionID string) error {
	if s.cfg.Token == "" && !s.cfg.Anonymous {
		return ErrAuthRequired
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.sessionID == sessionID && (s.conn != nil || s.connecting) {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.sessionID = sessionID
	s.connecting = true
	epoch := s.epoch
	s.mu.Unlock()

	go s.dialLoop(ctx, sessionID, epoch)
	return nil
}

// Send marshals one chat frame and transmits it. If the socket is not open
// yet the frame is queued and flushed, in order, when the socket opens. If
// no connection exists at all, a fresh one is established first.
func (s *Session) Send(ctx context.Context, frame domain.ChatFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal chat frame: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	if conn == nil {
		if !s.connecting {
			s.teardownLocked()
			s.sessionID = frame.SessionID
			s.connecting = true
			epoch := s.epoch
			s.pending = append(s.pending, data)
			s.mu.Unlock()
			metrics.SendsQueued.Inc()
			go s.dialLoop(ctx, frame.SessionID, epoch)
			return nil
		}
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		metrics.SendsQueued.Inc()
		return nil
	}
	s.mu.Unlock()

	return s.write(conn, data)
}

// Pause makes the read loop drop inbound protocol frames until Resume.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Paused reports whether inbound frames are currently being dropped.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resume re-enables inbound frame delivery.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Reset closes the socket, drops queued sends, and re-arms the
// initial-connection bookkeeping. Frames from the old connection can never
// surface afterwards: teardown bumps the epoch the read loop checks.
func (s *Session) Reset() {
	s.mu.Lock()
	s.teardownLocked()
	s.sessionID = ""
	s.attempts = 0
	s.initial = true
	s.paused = false
	s.mu.Unlock()
}

// Close shuts the session down permanently.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardownLocked()
	s.mu.Unlock()
	close(s.done)
}

// teardownLocked invalidates the current connection and queue. Callers hold s.mu.
func (s *Session) teardownLocked() {
	s.epoch++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connecting = false
	s.pending = nil
}

func (s *Session) chatURL(sessionID string) string {
	return s.cfg.URL + "?session_id=" + url.QueryEscape(sessionID)
}

func (s *Session) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase << attempts
	if d > s.cfg.BackoffCap || d <= 0 {
		d = s.cfg.BackoffCap
	}
	return d
}

// dialLoop establishes the connection, retrying with exponential backoff
// while the session is still in its initial-connection window. After the
// first successful open, closes are terminal (no silent retry).
func (s *Session) dialLoop(ctx context.Context, sessionID string, epoch int) {
	for {
		conn, resp, err := s.dialer.DialContext(ctx, s.chatURL(sessionID), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		s.mu.Lock()
		if epoch != s.epoch || s.closed {
			s.mu.Unlock()
			if err == nil {
				conn.Close()
			}
			return
		}

		if err == nil {
			s.attempts = 0
			s.initial = false
			// Drain the queue before exposing the socket to Send, so
			// queued frames always go out ahead of frames sent after
			// the open.
			for {
				queued := s.pending
				s.pending = nil
				if len(queued) == 0 {
					s.conn = conn
					s.connecting = false
					break
				}
				s.mu.Unlock()
				for _, data := range queued {
					if werr := s.write(conn, data); werr != nil {
						s.logger.Error("flushing queued frame failed", "err", werr)
					}
				}
				s.mu.Lock()
				if epoch != s.epoch || s.closed {
					s.mu.Unlock()
					conn.Close()
					return
				}
			}
			s.mu.Unlock()

			s.deliver(Event{Status: domain.StatusIdle})
			go s.readLoop(conn, epoch)
			return
		}

		if !s.initial || s.attempts >= s.cfg.MaxAttempts {
			s.connecting = false
			s.mu.Unlock()
			s.logger.Error("chat socket connection failed", "attempts", s.cfg.MaxAttempts, "err", err)
			s.deliver(Event{Status: domain.StatusError, Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, err)})
			return
		}
		delay := s.backoff(s.attempts)
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		metrics.ReconnectAttempts.Inc()
		s.logger.Warn("chat socket dial failed, retrying", "attempt", attempt, "backoff", delay, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(delay):
		}
	}
}

// readLoop parses inbound frames and delivers them in receipt order. A
// stale epoch means the connection was reset underneath us; everything it
// produced is dropped.
func (s *Session) readLoop(conn *websocket.Conn, epoch int) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := epoch != s.epoch || s.closed
			if !stale && s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			if stale {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("chat socket closed unexpectedly", "err", err)
			}
			// Past the initial window the session never reconnects on
			// its own; the caller resets explicitly.
			s.deliver(Event{Status: domain.StatusStopped})
			return
		}

		s.mu.Lock()
		stale := epoch != s.epoch || s.closed
		paused := s.paused
		s.mu.Unlock()
		if stale {
			conn.Close()
			return
		}
		if paused {
			metrics.FramesDropped.Inc()
			continue
		}

		ev, perr := domain.ParseServerEvent(raw)
		if perr != nil {
			metrics.FramesDropped.Inc()
			s.logger.Warn("dropping malformed frame", "err", perr)
			s.deliver(Event{Err: perr})
			continue
		}
		metrics.FramesReceived.Inc()
		s.deliver(Event{Server: ev})
	}
}

func (s *Session) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.SendsTotal.Inc()
	return nil
}
