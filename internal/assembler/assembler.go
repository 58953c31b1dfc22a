// Package assembler folds the normalized server-event stream into chat
// state. It owns the single in-flight streaming accumulator; everything
// else it touches goes through the Sink so the reducer stays a total
// function over the event variants.
package assembler

import (
	"log/slog"
	"time"

	"streamchat/internal/domain"
	"streamchat/internal/metrics"
)

// Sink is the mutable chat state the assembler reduces into. Implemented by
// the coordinator's state container.
type Sink interface {
	SetStatus(status domain.Status)
	SetStreaming(streaming bool)

	// UpsertAssistant appends a new assistant message to the active tab
	// when its tail has a different ID, otherwise replaces the tail's
	// content. Content is always the full accumulated text.
	UpsertAssistant(generationID, content string)

	// ResolveAttachment fills in the upload URL on whichever message
	// holds an attachment with the given file ID.
	ResolveAttachment(fileID, fileURL string)

	// SurfaceError reports a protocol error message to the host.
	SurfaceError(message string)

	// HandlePaywall receives the paywall/limit error subtype. Chat state
	// is not touched for these.
	HandlePaywall(ev domain.ErrorEvent)
}

// Assembler is the streaming-message state machine. Not safe for concurrent
// use; it is driven from the coordinator's single event loop.
type Assembler struct {
	sink   Sink
	logger *slog.Logger

	// In-flight accumulator. id is empty exactly when no generation is
	// in progress.
	id        string
	content   []byte
	startedAt time.Time
}

// New creates an Assembler reducing into sink.
func New(sink Sink, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{sink: sink, logger: logger}
}

// InFlight returns the active generation ID, if any.
func (a *Assembler) InFlight() (string, bool) {
	return a.id, a.id != ""
}

// Content returns the accumulated text of the in-flight generation.
func (a *Assembler) Content() string {
	return string(a.content)
}

// Reset clears the accumulator without touching sink state.
func (a *Assembler) Reset() {
	a.id = ""
	a.content = a.content[:0]
}

// Apply reduces one server event into the sink.
func (a *Assembler) Apply(ev domain.ServerEvent) {
	switch ev := ev.(type) {
	case domain.ErrorEvent:
		if ev.PaymentRequired() {
			a.sink.HandlePaywall(ev)
			return
		}
		a.sink.SurfaceError(ev.Message)
		a.sink.SetStreaming(false)
		a.sink.SetStatus(domain.StatusError)
		a.Reset()

	case domain.Typing:
		a.sink.SetStatus(domain.StatusPending)
		a.sink.SetStreaming(ev.IsTyping)

	case domain.FileReady:
		a.sink.ResolveAttachment(ev.FileID, ev.FileURL)

	case domain.TurnStart:
		if a.id != "" {
			// A new turn must never merge content from the previous
			// generation.
			a.logger.Warn("turn started while another was in flight",
				"abandoned", a.id, "started", ev.GenerationID)
		}
		a.id = ev.GenerationID
		a.content = a.content[:0]
		a.startedAt = time.Now()
		a.sink.SetStatus(domain.StatusStreaming)
		a.sink.SetStreaming(true)
		metrics.GenerationsTotal.Inc()

	case domain.Content:
		a.applyContent(ev)

	case domain.StopAck:
		// Belongs to the cancellation side channel; ignore on the
		// primary stream.

	default:
		a.logger.Warn("unhandled server event", "type", ev)
	}
}

func (a *Assembler) applyContent(ev domain.Content) {
	if ev.Data != "" {
		if a.id == "" {
			a.logger.Warn("content frame with no generation in flight, dropping")
		} else {
			a.content = append(a.content, ev.Data...)
			a.sink.UpsertAssistant(a.id, string(a.content))
		}
	}
	if ev.EOS {
		if a.id != "" {
			a.sink.UpsertAssistant(a.id, string(a.content))
			metrics.GenerationSeconds.Observe(time.Since(a.startedAt).Seconds())
		}
		a.sink.SetStreaming(false)
		a.sink.SetStatus(domain.StatusStopped)
		a.Reset()
	}
}

// Abort degrades the current turn after a transport-level failure
// (malformed frame, terminal connection error).
func (a *Assembler) Abort(message string) {
	if message != "" {
		a.sink.SurfaceError(message)
	}
	a.sink.SetStreaming(false)
	a.sink.SetStatus(domain.StatusError)
	a.Reset()
}

// Cancelled transitions to the stopped state after the user aborts a
// generation.
func (a *Assembler) Cancelled() {
	a.sink.SetStreaming(false)
	a.sink.SetStatus(domain.StatusStopped)
	a.Reset()
}
