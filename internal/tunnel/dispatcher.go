package tunnel

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Event is a typed occurrence on one agent connection. The concrete
// types below are the full set a Handler can receive.
type Event interface {
	event()
}

// SessionInfoEvent carries the session announcement.
type SessionInfoEvent struct {
	Info SessionInfo
}

// OutputEvent carries one sequenced agent progress message.
type OutputEvent struct {
	Seq     int64
	Message Message
}

// ReplayStartEvent marks the beginning of a replay of buffered output
// after a reconnect.
type ReplayStartEvent struct{}

// ReplayEndEvent marks the end of a replay.
type ReplayEndEvent struct{}

// DisconnectedEvent is the final event for a connection. It is emitted
// exactly once, after the last message event for that connection.
type DisconnectedEvent struct{}

func (SessionInfoEvent) event()  {}
func (OutputEvent) event()       {}
func (ReplayStartEvent) event()  {}
func (ReplayEndEvent) event()    {}
func (DisconnectedEvent) event() {}

// Handler receives events in the exact order their frames finished
// parsing. Implementations must not block for long; they run on the
// connection's read goroutine.
type Handler interface {
	HandleEvent(connID int64, ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(connID int64, ev Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(connID int64, ev Event) {
	f(connID, ev)
}

// Dispatcher parses completed logical text messages into events and
// forwards them to one handler.
type Dispatcher struct {
	handler Handler
}

// NewDispatcher creates a dispatcher forwarding to h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Dispatch parses one logical text message. A message that is not valid
// JSON, or whose type tag is unknown, is logged and dropped; it is an
// application-level concern and never closes the connection.
func (d *Dispatcher) Dispatch(connID int64, text []byte) {
	ev, err := decodeMessage(text)
	if err != nil {
		log.Debug().Int64("conn", connID).Err(err).Msg("dropping undecodable tunnel message")
		return
	}
	d.handler.HandleEvent(connID, ev)
}

// Disconnected emits the terminal event for a connection.
func (d *Dispatcher) Disconnected(connID int64) {
	d.handler.HandleEvent(connID, DisconnectedEvent{})
}

func decodeMessage(text []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(text, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionInfo:
		return SessionInfoEvent{Info: SessionInfo{
			Command:       env.Command,
			PlanID:        env.PlanID,
			PlanTitle:     env.PlanTitle,
			WorkspacePath: env.WorkspacePath,
			GitRemote:     env.GitRemote,
			Terminal:      env.Terminal,
		}}, nil

	case TypeOutput:
		msg, err := decodeOutputMessage(env.Message)
		if err != nil {
			return nil, err
		}
		return OutputEvent{Seq: env.Seq, Message: msg}, nil

	case TypeReplayStart:
		return ReplayStartEvent{}, nil

	case TypeReplayEnd:
		return ReplayEndEvent{}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// decodeOutputMessage decodes the nested payload union. Unknown types
// are not an error: the wire evolves faster than consumers, so they pass
// through with Raw set.
func decodeOutputMessage(raw json.RawMessage) (Message, error) {
	if len(raw) == 0 {
		return Message{}, fmt.Errorf("output envelope without message")
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode output message: %w", err)
	}
	if !msg.Known() {
		msg.Raw = append(json.RawMessage(nil), raw...)
	}
	return msg, nil
}
