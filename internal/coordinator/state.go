package coordinator

import (
	"sync"

	"streamchat/internal/domain"
)

// State is the explicit chat-state container: per-tab transcripts, the
// active tab pointer, and the status/streaming flags the host UI renders.
// One instance lives per conversation; it replaces any notion of
// process-global chat state.
type State struct {
	mu          sync.RWMutex
	tabs        map[string][]domain.Message
	activeTab   string
	status      domain.Status
	streaming   bool
	attachments []domain.FileAttachment // queued for the next user send
}

// NewState creates a container with one empty transcript per tab.
func NewState(tabs []domain.TabConfig, activeTab string) *State {
	s := &State{
		tabs:      make(map[string][]domain.Message, len(tabs)),
		activeTab: activeTab,
		status:    domain.StatusIdle,
	}
	for _, t := range tabs {
		s.tabs[t.Name] = nil
	}
	return s
}

// ActiveTab returns the current tab name.
func (s *State) ActiveTab() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTab
}

// SetActiveTab moves the active tab pointer.
func (s *State) SetActiveTab(tab string) {
	s.mu.Lock()
	s.activeTab = tab
	s.mu.Unlock()
}

// Status returns the rendered status.
func (s *State) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the rendered status.
func (s *State) SetStatus(status domain.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Streaming reports whether a generation is visibly in progress.
func (s *State) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

// SetStreaming sets the streaming flag.
func (s *State) SetStreaming(streaming bool) {
	s.mu.Lock()
	s.streaming = streaming
	s.mu.Unlock()
}

// Append adds a message to the given tab's transcript.
func (s *State) Append(tab string, msg domain.Message) {
	s.mu.Lock()
	s.tabs[tab] = append(s.tabs[tab], msg)
	s.mu.Unlock()
}

// Messages returns a copy of the tab's transcript.
func (s *State) Messages(tab string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.tabs[tab]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// SetMessages replaces a tab's transcript (history load on rebind).
func (s *State) SetMessages(tab string, msgs []domain.Message) {
	s.mu.Lock()
	s.tabs[tab] = msgs
	s.mu.Unlock()
}

// UpsertAssistant applies one streaming update: when the tab's tail message
// already belongs to the generation, its content is replaced with the full
// accumulated text; otherwise a new assistant message is appended. Ordering
// is preserved and each frame costs O(1).
func (s *State) UpsertAssistant(tab, generationID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.tabs[tab]
	if n := len(msgs); n > 0 && msgs[n-1].ID == generationID {
		msgs[n-1].Content = content
		return
	}
	s.tabs[tab] = append(msgs, domain.NewAssistantMessage(generationID, content))
}

// ResolveAttachment fills in the upload URL on the message holding an
// attachment with the given file ID. Searches every tab; at most one
// attachment matches.
func (s *State) ResolveAttachment(fileID, fileURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tab, msgs := range s.tabs {
		for i := range msgs {
			for j := range msgs[i].Attachments {
				if msgs[i].Attachments[j].FileID == fileID {
					msgs[i].Attachments[j].UploadURL = fileURL
					s.tabs[tab] = msgs
					return
				}
			}
		}
	}
}

// QueueAttachment stages an attachment for the next user send.
func (s *State) QueueAttachment(att domain.FileAttachment) {
	s.mu.Lock()
	s.attachments = append(s.attachments, att)
	s.mu.Unlock()
}

// TakeAttachments returns and clears the staged attachments.
func (s *State) TakeAttachments() []domain.FileAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	atts := s.attachments
	s.attachments = nil
	return atts
}

// Clear empties every tab's transcript, drops staged attachments, and
// resets the flags. The tab set and active tab survive.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tab := range s.tabs {
		s.tabs[tab] = nil
	}
	s.attachments = nil
	s.status = domain.StatusIdle
	s.streaming = false
}
