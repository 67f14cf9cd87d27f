// Package protocol defines the wire surface shared by the gateway, its
// WebSocket clients, and the gofer CLI. All frames and bodies are JSON.
package protocol

import "time"

// ProtocolVersion identifies the gateway wire format. Bumped on breaking
// frame changes; clients should refuse a newer version.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameEvent = "event"
)

// Event names pushed to WebSocket clients.
const (
	EventProgress = "progress" // orchestration phase ticks
	EventRun      = "run"      // run finished
	EventAgent    = "agent"    // agent session activity
	EventHealth   = "health"
	EventShutdown = "shutdown" // gateway is stopping
)

// EventFrame is one server-push message on /ws.
type EventFrame struct {
	Type    string    `json:"type"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent builds an EventFrame stamped now.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload, Time: time.Now()}
}
