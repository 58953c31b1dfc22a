package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Flow identifies the chat flow a frame belongs to: which assistant, which
// tenant, which user, which pathway within the product.
type Flow struct {
	Name     string `json:"name"`
	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Pathway  string `json:"pathway"`
}

// FileReference points the backend at an already-uploaded file.
type FileReference struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type,omitempty"`
}

// ChatFrame is the outbound payload for one user turn.
type ChatFrame struct {
	Flow           Flow            `json:"flow"`
	SessionID      string          `json:"session_id"`
	Token          string          `json:"token"`
	Prompt         string          `json:"prompt"`
	FileReferences []FileReference `json:"file_references,omitempty"`
	PageContent    string          `json:"page_content,omitempty"`
	DocumentFilter json.RawMessage `json:"document_filter,omitempty"`
	TokenType      string          `json:"token_type,omitempty"`
}

// CancelFrame is sent once on the cancellation side channel to abort an
// in-flight generation.
type CancelFrame struct {
	GenerationID string `json:"generation_id"`
	Name         string `json:"name"`
	Tenant       string `json:"tenant"`
	Username     string `json:"username"`
	Token        string `json:"token"`
}

// ServerEvent is the normalized form of an inbound frame. The wire protocol
// discriminates mostly by field presence; ParseServerEvent folds that into a
// closed set of variants so consumers can switch over concrete types.
type ServerEvent interface {
	serverEvent()
}

// Typing mirrors the backend's typing indicator.
type Typing struct {
	IsTyping bool
}

// TurnStart announces a new assistant generation.
type TurnStart struct {
	GenerationID string
}

// Content carries streamed response text and/or the end-of-stream marker.
type Content struct {
	Data string
	EOS  bool
}

// ErrorEvent is a protocol-level error frame.
type ErrorEvent struct {
	Message    string
	StatusCode int
}

// PaymentRequired reports whether this error is the paywall/limit subtype,
// which is routed to a dedicated handler instead of the chat state machine.
func (e ErrorEvent) PaymentRequired() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// FileReady reports that an uploaded file finished processing.
type FileReady struct {
	FileID   string
	FileName string
	FileURL  string
}

// StopAck is the cancellation acknowledgment on the side channel.
type StopAck struct {
	Detail string
}

func (Typing) serverEvent()     {}
func (TurnStart) serverEvent()  {}
func (Content) serverEvent()    {}
func (ErrorEvent) serverEvent() {}
func (FileReady) serverEvent()  {}
func (StopAck) serverEvent()    {}

const (
	frameTypeTyping    = "typing"
	frameTypeFileReady = "file_processing_success"

	// StopAckDetail is the marker the backend sends to acknowledge a
	// cancellation request.
	StopAckDetail = "Stopped"
)

// rawFrame captures every field the backend may set. Pointer fields
// distinguish "absent" from zero values, which is how the protocol
// discriminates frame kinds.
type rawFrame struct {
	Error        *string `json:"error"`
	StatusCode   int     `json:"status_code"`
	Type         string  `json:"type"`
	IsTyping     bool    `json:"isTyping"`
	FileID       string  `json:"file_id"`
	FileName     string  `json:"file_name"`
	FileURL      string  `json:"file_url"`
	GenerationID string  `json:"generation_id"`
	Data         *string `json:"data"`
	EOS          *bool   `json:"eos"`
	Detail       string  `json:"detail"`
}

// ParseServerEvent classifies one inbound frame into a ServerEvent. Frames
// that match no known shape return an error; callers log and drop them
// rather than crash the read loop.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch {
	case f.Error != nil:
		return ErrorEvent{Message: *f.Error, StatusCode: f.StatusCode}, nil

	case f.Type == frameTypeTyping:
		return Typing{IsTyping: f.IsTyping}, nil

	case f.Type == frameTypeFileReady:
		return FileReady{FileID: f.FileID, FileName: f.FileName, FileURL: f.FileURL}, nil

	case f.Detail != "":
		return StopAck{Detail: f.Detail}, nil

	case f.Data != nil || f.EOS != nil:
		ev := Content{}
		if f.Data != nil {
			ev.Data = *f.Data
		}
		if f.EOS != nil {
			ev.EOS = *f.EOS
		}
		return ev, nil

	case f.GenerationID != "":
		return TurnStart{GenerationID: f.GenerationID}, nil
	}

	return nil, fmt.Errorf("unrecognized frame shape: %s", truncate(raw, 128))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
