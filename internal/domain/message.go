package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation transcript. Content is mutated in
// place while the message is streaming and frozen once its end-of-stream
// frame arrives.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	Visible     bool             `json:"visible"`
	Attachments []FileAttachment `json:"fileAttachments,omitempty"`
	Actions     []MessageAction  `json:"actions,omitempty"`
}

// FileAttachment is a file reference carried by a message. UploadURL is
// filled in asynchronously when the backend reports upload processing for
// the matching FileID.
type FileAttachment struct {
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	UploadURL string `json:"uploadUrl,omitempty"`
	FileID    string `json:"fileId,omitempty"`
}

// MessageAction is a follow-up action the backend attaches to a message
// (e.g. a suggested reply). Opaque to the transport core.
type MessageAction struct {
	Label   string `json:"label"`
	Payload string `json:"payload,omitempty"`
}

// NewUserMessage creates a visible user message with a fresh ID.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		Visible:   true,
	}
}

// NewAssistantMessage creates an assistant message adopting the backend's
// generation ID as the message ID.
func NewAssistantMessage(generationID, content string) Message {
	return Message{
		ID:        generationID,
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		Visible:   true,
	}
}
