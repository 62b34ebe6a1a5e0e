// Package tunnel defines the JSON vocabulary an agent wrapper speaks to
// the companion process, and the dispatcher that turns completed
// WebSocket text messages into typed events for a registered handler.
package tunnel

import "encoding/json"

// Top-level message types on the WebSocket stream (client to server).
const (
	TypeSessionInfo = "session_info"
	TypeOutput      = "output"
	TypeReplayStart = "replay_start"
	TypeReplayEnd   = "replay_end"
)

// Terminal identifies where the agent session is running, so desktop
// integrations can focus the right pane.
type Terminal struct {
	Type   string `json:"type"`
	PaneID string `json:"pane_id"`
}

// SessionInfo announces the live agent session on a new connection.
type SessionInfo struct {
	Command       string    `json:"command"`
	PlanID        *int64    `json:"planId,omitempty"`
	PlanTitle     string    `json:"planTitle,omitempty"`
	WorkspacePath string    `json:"workspacePath,omitempty"`
	GitRemote     string    `json:"gitRemote,omitempty"`
	Terminal      *Terminal `json:"terminal,omitempty"`
}

// Nested message types carried inside an output envelope.
const (
	MessageAssistantText = "assistant_text"
	MessageToolUse       = "tool_use"
	MessagePlanUpdate    = "plan_update"
	MessageStatus        = "status"
)

// Message is one agent progress payload from an output envelope. It is a
// tagged union over Type; fields outside the active variant are zero.
// Unknown types are preserved rather than dropped: Type keeps the wire
// value and Raw holds the original JSON.
type Message struct {
	Type string `json:"type"`

	// assistant_text
	Text string `json:"text,omitempty"`

	// tool_use
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// plan_update
	PlanID    *int64 `json:"planId,omitempty"`
	PlanTitle string `json:"planTitle,omitempty"`
	Status    string `json:"status,omitempty"`

	// status
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Raw is the undecoded payload for types this build does not know.
	Raw json.RawMessage `json:"-"`
}

// Known reports whether the message type is one this build decodes.
func (m *Message) Known() bool {
	switch m.Type {
	case MessageAssistantText, MessageToolUse, MessagePlanUpdate, MessageStatus:
		return true
	}
	return false
}

// envelope is the top-level wire shape; Message stays raw until the type
// tag has been examined.
type envelope struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Seq     int64           `json:"seq"`
	Message json.RawMessage `json:"message"`

	// session_info carries its fields inline rather than nested.
	PlanID        *int64    `json:"planId"`
	PlanTitle     string    `json:"planTitle"`
	WorkspacePath string    `json:"workspacePath"`
	GitRemote     string    `json:"gitRemote"`
	Terminal      *Terminal `json:"terminal"`
}

// Notification is the body of a plain HTTP POST /messages request: a
// one-shot desktop notification from an agent hook, outside any live
// WebSocket session.
type Notification struct {
	Message       string    `json:"message"`
	WorkspacePath string    `json:"workspacePath"`
	GitRemote     string    `json:"gitRemote,omitempty"`
	Terminal      *Terminal `json:"terminal,omitempty"`
}
