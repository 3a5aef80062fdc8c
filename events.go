package mcp

import "time"

// EventKind identifies a lifecycle or tool-execution notification.
type EventKind string

// Event kinds emitted by ConnManager and re-emitted by ServerManager.
const (
	EventConnecting        EventKind = "connecting"
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventConnectionError   EventKind = "connection_error"
	EventHealthCheckFailed EventKind = "health_check_failed"
	EventToolCalled        EventKind = "tool_called"
)

// Event is a single lifecycle notification. Every connection state transition
// and every tool call produces exactly one Event.
type Event struct {
	Kind   EventKind `json:"kind"`
	Server string    `json:"server"`
	Tool   string    `json:"tool,omitempty"`
	Err    error     `json:"-"`
	Time   time.Time `json:"time"`
}

const eventBufferSize = 64

// emitEvent delivers ev to a buffered channel without ever blocking the
// operation that produced it. Events are dropped when no subscriber keeps up.
func emitEvent(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
