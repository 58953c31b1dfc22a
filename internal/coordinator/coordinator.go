// Package coordinator binds conversation tabs to backend sessions, drives
// the transport, and owns the chat state one host UI renders. One
// Coordinator exists per active conversation; hosts call Open and Close
// around its lifetime.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"streamchat/internal/api"
	"streamchat/internal/assembler"
	"streamchat/internal/bus"
	"streamchat/internal/domain"
	"streamchat/internal/transport"
)

var (
	// ErrStreamActive is returned when an operation is rejected because a
	// generation is streaming (e.g. tab switches mid-stream).
	ErrStreamActive = errors.New("coordinator: generation in progress")

	// ErrUnknownTab means the tab name is not in the configured tab set.
	ErrUnknownTab = errors.New("coordinator: unknown tab")
)

// Transport is the connection surface the coordinator drives. Satisfied by
// *transport.Session.
type Transport interface {
	Connect(ctx context.Context, sessionID string) error
	Send(ctx context.Context, frame domain.ChatFrame) error
	StopGenerating(ctx context.Context, generationID string) error
	Reset()
	Resume()
	Close()
	SessionID() string
	Events() <-chan transport.Event
}

// Config configures a Coordinator.
type Config struct {
	Tabs      []domain.TabConfig
	ActiveTab string

	Flow  domain.Flow
	Token string

	// Preview mode renders locally without any backend session calls.
	Preview bool
	// SharedTranscript marks an externally shared read-only view; resets
	// are no-ops there.
	SharedTranscript bool

	// PageContent is optional host-page context included with each send.
	PageContent string

	Logger *slog.Logger
}

// Coordinator maps tabs to backend sessions and funnels transport events
// through the assembler into the state container.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	bus      *bus.Bus
	state    *State
	tr       Transport
	sessions api.SessionClient
	redirect api.Redirector

	asmMu sync.Mutex
	asm   *assembler.Assembler

	mu       sync.Mutex
	bindings map[string]string // tab -> session id, "" = not yet created
	tabLocks map[string]*sync.Mutex
	tabCfgs  map[string]domain.TabConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a Coordinator. redirect may be nil when the host has no
// re-authentication flow.
func New(cfg Config, tr Transport, sessions api.SessionClient, redirect api.Redirector, b *bus.Bus) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ActiveTab == "" && len(cfg.Tabs) > 0 {
		cfg.ActiveTab = cfg.Tabs[0].Name
	}
	if redirect == nil {
		redirect = func(string) {}
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger,
		bus:      b,
		state:    NewState(cfg.Tabs, cfg.ActiveTab),
		tr:       tr,
		sessions: sessions,
		redirect: redirect,
		bindings: make(map[string]string, len(cfg.Tabs)),
		tabLocks: make(map[string]*sync.Mutex, len(cfg.Tabs)),
		tabCfgs:  make(map[string]domain.TabConfig, len(cfg.Tabs)),
		done:     make(chan struct{}),
	}
	for _, t := range cfg.Tabs {
		c.bindings[t.Name] = ""
		c.tabLocks[t.Name] = &sync.Mutex{}
		c.tabCfgs[t.Name] = t
	}
	c.asm = assembler.New(c, cfg.Logger)
	return c
}

// State exposes the chat state container for the host UI.
func (c *Coordinator) State() *State { return c.state }

// SessionFor returns the session id bound to a tab, "" when none exists.
func (c *Coordinator) SessionFor(tab string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[tab]
}

func (c *Coordinator) setBinding(tab, id string) {
	c.mu.Lock()
	c.bindings[tab] = id
	c.mu.Unlock()
}

// Open starts consuming transport events. Pair with Close.
func (c *Coordinator) Open(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Close stops the event loop and tears down the transport.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.tr.Close()
	<-c.done
}

// EnsureSession guarantees the tab has a backend session id before its
// first send. Concurrent calls for the same tab are serialized; the binding
// is only written after creation succeeds, so a failed round trip never
// leaves a partial binding.
func (c *Coordinator) EnsureSession(ctx context.Context, tab string) error {
	tabCfg, ok := c.tabCfgs[tab]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tab)
	}
	if c.cfg.Preview {
		return nil
	}

	lock := c.tabLocks[tab]
	lock.Lock()
	defer lock.Unlock()

	if c.SessionFor(tab) != "" {
		return nil
	}

	id, err := c.sessions.CreateSession(ctx, c.cfg.Flow.Tenant, c.cfg.Flow.Username, c.cfg.Flow.Name)
	if err != nil {
		// Session creation failing is an authentication problem, not a
		// transient one.
		c.redirect("session creation failed")
		return fmt.Errorf("create session for tab %q: %w", tab, err)
	}
	c.setBinding(tab, id)
	c.bus.Emit(bus.Event{Type: bus.EventSessionCreated, Source: "coordinator",
		Payload: map[string]any{"tab": tab, "session_id": id}})

	// Non-actionable tabs seed their conversation invisibly.
	if !tabCfg.Actionable {
		for _, prompt := range tabCfg.ProactivePrompts {
			if err := c.deliver(ctx, tab, prompt, false); err != nil {
				c.logger.Warn("proactive prompt failed", "tab", tab, "err", err)
			}
		}
	}
	return nil
}

// Send transmits a user prompt on the active tab, creating the session
// first when needed. The user message lands in local state synchronously,
// before any network I/O completes.
func (c *Coordinator) Send(ctx context.Context, prompt string) error {
	tab := c.state.ActiveTab()
	if err := c.EnsureSession(ctx, tab); err != nil {
		return err
	}
	return c.deliver(ctx, tab, prompt, true)
}

// QueueAttachment stages a file attachment for the next Send.
func (c *Coordinator) QueueAttachment(att domain.FileAttachment) {
	c.state.QueueAttachment(att)
}

func (c *Coordinator) deliver(ctx context.Context, tab, prompt string, visible bool) error {
	if err := c.rebind(ctx, tab); err != nil {
		return err
	}

	msg := domain.NewUserMessage(prompt)
	msg.Visible = visible
	var refs []domain.FileReference
	if visible {
		msg.Attachments = c.state.TakeAttachments()
		for _, att := range msg.Attachments {
			refs = append(refs, domain.FileReference{FileID: att.FileID, FileName: att.FileName, FileType: att.FileType})
		}
	}
	c.state.Append(tab, msg)

	c.tr.Resume() // a prior cancellation may have left the stream paused
	frame := domain.ChatFrame{
		Flow:           c.cfg.Flow,
		SessionID:      c.SessionFor(tab),
		Token:          c.cfg.Token,
		Prompt:         prompt,
		FileReferences: refs,
		PageContent:    c.cfg.PageContent,
	}
	return c.tr.Send(ctx, frame)
}

// rebind reconnects the transport whenever the tab's bound session differs
// from the one the socket is connected to. Frames from the old session can
// never leak into the new one.
func (c *Coordinator) rebind(ctx context.Context, tab string) error {
	id := c.SessionFor(tab)
	if id == "" || c.tr.SessionID() == id {
		return nil
	}
	c.tr.Reset()
	if err := c.tr.Connect(ctx, id); err != nil {
		if errors.Is(err, transport.ErrAuthRequired) {
			c.redirect("missing auth token")
		}
		return err
	}
	return nil
}

// StartNewChat clears every tab and starts a fresh session on the active
// one. No-op for shared read-only transcripts; preview mode stops after the
// local reset.
func (c *Coordinator) StartNewChat(ctx context.Context) error {
	if c.cfg.SharedTranscript {
		return nil
	}

	c.state.Clear()
	c.asmMu.Lock()
	c.asm.Reset()
	c.asmMu.Unlock()
	c.tr.Reset()

	if c.cfg.Preview {
		return nil
	}

	tab := c.state.ActiveTab()
	lock := c.tabLocks[tab]
	lock.Lock()
	defer lock.Unlock()

	id, err := c.sessions.CreateSession(ctx, c.cfg.Flow.Tenant, c.cfg.Flow.Username, c.cfg.Flow.Name)
	if err != nil {
		c.redirect("session creation failed")
		return fmt.Errorf("new chat session: %w", err)
	}
	c.setBinding(tab, id)
	c.bus.Emit(bus.Event{Type: bus.EventSessionCreated, Source: "coordinator",
		Payload: map[string]any{"tab": tab, "session_id": id}})

	return c.rebind(ctx, tab)
}

// ChangeTab moves the active tab pointer. Rejected while a generation is
// streaming. Entering an unbound tab behaves like EnsureSession; entering a
// bound tab with no local transcript loads its history.
func (c *Coordinator) ChangeTab(ctx context.Context, tab string) error {
	if _, ok := c.tabCfgs[tab]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tab)
	}
	if c.state.Streaming() {
		return ErrStreamActive
	}

	c.state.SetActiveTab(tab)
	if c.cfg.Preview {
		return nil
	}

	if c.SessionFor(tab) == "" {
		if err := c.EnsureSession(ctx, tab); err != nil {
			return err
		}
	} else if len(c.state.Messages(tab)) == 0 {
		c.loadHistory(ctx, tab)
	}
	return c.rebind(ctx, tab)
}

func (c *Coordinator) loadHistory(ctx context.Context, tab string) {
	msgs, err := c.sessions.FetchHistory(ctx, c.SessionFor(tab))
	if err != nil {
		// History is a nicety; the conversation still works without it.
		c.logger.Warn("history fetch failed", "tab", tab, "err", err)
		return
	}
	c.state.SetMessages(tab, msgs)
}

// StopGenerating aborts the in-flight generation. Best effort: even when
// the cancel handshake fails, local state leaves the streaming state.
func (c *Coordinator) StopGenerating(ctx context.Context) error {
	c.asmMu.Lock()
	id, inFlight := c.asm.InFlight()
	c.asmMu.Unlock()
	if !inFlight {
		return nil
	}

	err := c.tr.StopGenerating(ctx, id)
	c.asmMu.Lock()
	c.asm.Cancelled()
	c.asmMu.Unlock()
	c.bus.Emit(bus.Event{Type: bus.EventGenerationCancelled, Source: "coordinator",
		Payload: map[string]any{"generation_id": id}})
	return err
}

// run is the single consumer of transport events; all assembler mutation
// funnels through here or through the asmMu-guarded entry points above.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.tr.Events():
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev transport.Event) {
	switch {
	case ev.Server != nil:
		c.asmMu.Lock()
		c.asm.Apply(ev.Server)
		c.asmMu.Unlock()

		switch sev := ev.Server.(type) {
		case domain.TurnStart:
			c.bus.Emit(bus.Event{Type: bus.EventGenerationStarted, Source: "coordinator",
				Payload: map[string]any{"generation_id": sev.GenerationID}})
		case domain.Content:
			if sev.EOS {
				c.bus.Emit(bus.Event{Type: bus.EventGenerationFinished, Source: "coordinator"})
			}
		}

	case ev.Status == domain.StatusError:
		msg := "connection failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.asmMu.Lock()
		c.asm.Abort(msg)
		c.asmMu.Unlock()

	case ev.Status == domain.StatusStopped:
		c.asmMu.Lock()
		if _, inFlight := c.asm.InFlight(); inFlight {
			c.asm.Abort("connection closed mid-generation")
		} else {
			c.state.SetStreaming(false)
			c.state.SetStatus(domain.StatusStopped)
		}
		c.asmMu.Unlock()
		c.bus.Emit(bus.Event{Type: bus.EventConnectionStopped, Source: "transport"})

	case ev.Status == domain.StatusIdle:
		c.bus.Emit(bus.Event{Type: bus.EventConnected, Source: "transport",
			Payload: map[string]any{"session_id": c.tr.SessionID()}})

	case ev.Err != nil:
		c.asmMu.Lock()
		if _, inFlight := c.asm.InFlight(); inFlight {
			c.asm.Abort("stream corrupted: " + ev.Err.Error())
		}
		c.asmMu.Unlock()
	}
}

// --- assembler.Sink ---

// SetStatus implements assembler.Sink.
func (c *Coordinator) SetStatus(status domain.Status) { c.state.SetStatus(status) }

// SetStreaming implements assembler.Sink.
func (c *Coordinator) SetStreaming(streaming bool) { c.state.SetStreaming(streaming) }

// UpsertAssistant implements assembler.Sink against the active tab.
func (c *Coordinator) UpsertAssistant(generationID, content string) {
	c.state.UpsertAssistant(c.state.ActiveTab(), generationID, content)
}

// ResolveAttachment implements assembler.Sink.
func (c *Coordinator) ResolveAttachment(fileID, fileURL string) {
	c.state.ResolveAttachment(fileID, fileURL)
}

// SurfaceError implements assembler.Sink; errors reach the host through
// the bus, never as panics.
func (c *Coordinator) SurfaceError(message string) {
	c.logger.Error("chat stream error", "err", message)
	c.bus.Emit(bus.Event{Type: bus.EventConnectionError, Source: "assembler",
		Payload: map[string]any{"message": message}})
}

// HandlePaywall implements assembler.Sink. The raw payload travels with the
// event so the host's billing surface can decide what to show.
func (c *Coordinator) HandlePaywall(ev domain.ErrorEvent) {
	c.bus.Emit(bus.Event{Type: bus.EventPaymentRequired, Source: "assembler",
		Payload: map[string]any{"message": ev.Message, "status_code": ev.StatusCode}})
}
