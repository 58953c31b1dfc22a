package domain

// Status is the connection/generation status the UI renders.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// TabConfig is the static configuration for one conversation tab. Each tab
// is a logical mode (chat, summarize, translate) bound to its own backend
// session.
type TabConfig struct {
	Name string `yaml:"name" json:"name"`

	// Actionable tabs wait for user input; non-actionable tabs seed their
	// conversation with proactive prompts as soon as a session exists.
	Actionable bool `yaml:"actionable" json:"actionable"`

	// ProactivePrompts are sent invisibly (Visible=false) right after the
	// tab's session is created, oldest first.
	ProactivePrompts []string `yaml:"proactivePrompts,omitempty" json:"proactivePrompts,omitempty"`
}
