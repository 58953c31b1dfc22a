package assembler

import (
	"log/slog"
	"os"
	"testing"

	"streamchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordingSink captures every sink mutation for assertions.
type recordingSink struct {
	status    domain.Status
	streaming bool
	upserts   []upsert
	resolved  map[string]string
	errors    []string
	paywalls  []domain.ErrorEvent
}

type upsert struct {
	id      string
	content string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{resolved: make(map[string]string)}
}

func (r *recordingSink) SetStatus(s domain.Status)   { r.status = s }
func (r *recordingSink) SetStreaming(b bool)         { r.streaming = b }
func (r *recordingSink) SurfaceError(msg string)     { r.errors = append(r.errors, msg) }
func (r *recordingSink) HandlePaywall(e domain.ErrorEvent) {
	r.paywalls = append(r.paywalls, e)
}
func (r *recordingSink) ResolveAttachment(fileID, fileURL string) {
	r.resolved[fileID] = fileURL
}
func (r *recordingSink) UpsertAssistant(id, content string) {
	r.upserts = append(r.upserts, upsert{id: id, content: content})
}

func TestApply_FullTurn(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	if sink.status != domain.StatusStreaming || !sink.streaming {
		t.Fatalf("turn start should enter streaming, got %v/%v", sink.status, sink.streaming)
	}
	a.Apply(domain.Content{Data: "ab"})
	a.Apply(domain.Content{Data: "cd"})
	a.Apply(domain.Content{EOS: true})

	if len(sink.upserts) != 3 {
		t.Fatalf("expected 3 upserts, got %d", len(sink.upserts))
	}
	final := sink.upserts[len(sink.upserts)-1]
	if final.id != "g1" || final.content != "abcd" {
		t.Errorf("final upsert: got %+v", final)
	}
	if sink.status != domain.StatusStopped || sink.streaming {
		t.Errorf("after eos: status=%v streaming=%v", sink.status, sink.streaming)
	}
	if id, ok := a.InFlight(); ok {
		t.Errorf("accumulator should be reset, still holds %q", id)
	}
}

func TestApply_ContentConcatenation(t *testing.T) {
	// Any partition of the same text yields the same final content.
	partitions := [][]string{
		{"hello world"},
		{"hello", " world"},
		{"h", "e", "l", "l", "o", " world"},
	}
	for _, parts := range partitions {
		sink := newRecordingSink()
		a := New(sink, testLogger())
		a.Apply(domain.TurnStart{GenerationID: "g"})
		for _, p := range parts {
			a.Apply(domain.Content{Data: p})
		}
		a.Apply(domain.Content{EOS: true})

		final := sink.upserts[len(sink.upserts)-1]
		if final.content != "hello world" {
			t.Errorf("partition %v: final content %q", parts, final.content)
		}
	}
}

func TestApply_AtMostOneAccumulator(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	a.Apply(domain.Content{Data: "old"})
	a.Apply(domain.TurnStart{GenerationID: "g2"})
	a.Apply(domain.Content{Data: "new"})

	id, ok := a.InFlight()
	if !ok || id != "g2" {
		t.Fatalf("expected g2 in flight, got %q", id)
	}
	// Content from g1 must not leak into g2.
	last := sink.upserts[len(sink.upserts)-1]
	if last.id != "g2" || last.content != "new" {
		t.Errorf("got %+v", last)
	}
}

func TestApply_EmptyDataFrameDoesNotUpsert(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	a.Apply(domain.Content{Data: ""})
	if len(sink.upserts) != 0 {
		t.Errorf("empty data should not upsert, got %d", len(sink.upserts))
	}
}

func TestApply_Typing(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.Typing{IsTyping: true})
	if sink.status != domain.StatusPending || !sink.streaming {
		t.Errorf("got %v/%v", sink.status, sink.streaming)
	}
	a.Apply(domain.Typing{IsTyping: false})
	if sink.streaming {
		t.Error("streaming flag should mirror isTyping")
	}
}

func TestApply_GenericError(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	a.Apply(domain.ErrorEvent{Message: "backend exploded", StatusCode: 500})

	if len(sink.errors) != 1 || sink.errors[0] != "backend exploded" {
		t.Errorf("errors: %v", sink.errors)
	}
	if sink.status != domain.StatusError || sink.streaming {
		t.Errorf("got %v/%v", sink.status, sink.streaming)
	}
	if _, ok := a.InFlight(); ok {
		t.Error("error should reset the accumulator")
	}
}

func TestApply_PaywallLeavesChatStateAlone(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	before := sink.status
	a.Apply(domain.ErrorEvent{Message: "limit reached", StatusCode: 402})

	if len(sink.paywalls) != 1 {
		t.Fatalf("paywall handler not invoked: %v", sink.paywalls)
	}
	if len(sink.errors) != 0 {
		t.Error("paywall must not surface as a generic error")
	}
	if sink.status != before {
		t.Error("paywall must not change status")
	}
	if id, ok := a.InFlight(); !ok || id != "g1" {
		t.Error("paywall must not reset the accumulator")
	}
}

func TestApply_FileReady(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.FileReady{FileID: "f1", FileURL: "https://files/f1"})
	if sink.resolved["f1"] != "https://files/f1" {
		t.Errorf("resolved: %v", sink.resolved)
	}
}

func TestAbortAndCancelled(t *testing.T) {
	sink := newRecordingSink()
	a := New(sink, testLogger())

	a.Apply(domain.TurnStart{GenerationID: "g1"})
	a.Abort("connection lost")
	if sink.status != domain.StatusError || len(sink.errors) != 1 {
		t.Errorf("abort: status=%v errors=%v", sink.status, sink.errors)
	}
	if _, ok := a.InFlight(); ok {
		t.Error("abort should reset the accumulator")
	}

	a.Apply(domain.TurnStart{GenerationID: "g2"})
	a.Cancelled()
	if sink.status != domain.StatusStopped || sink.streaming {
		t.Errorf("cancelled: status=%v streaming=%v", sink.status, sink.streaming)
	}
	if _, ok := a.InFlight(); ok {
		t.Error("cancel should reset the accumulator")
	}
}
