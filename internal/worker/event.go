// Package worker runs the worker CLI as a child process, streams its
// newline-delimited JSON events, and returns a normalized result. Execution
// handles routing, caching, credential fallback, and rate-limit retries;
// each call owns its own child, buffer, and deadline.
package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// EventType is the self-describing type tag on a worker output record.
type EventType string

const (
	EventSession    EventType = "session"
	EventToolUse    EventType = "tool_use"
	EventToolCode   EventType = "tool_code"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventMessage    EventType = "message"
	EventUsage      EventType = "usage"
	EventStats      EventType = "stats"
	EventError      EventType = "error"
	EventResult     EventType = "result"
	EventDone       EventType = "done"
)

// Event is one decoded record from the worker's output stream. Field aliases
// in the wire format (content/text, tool_name/name, tool_input/input, flat or
// nested token counts) are normalized here so consumers see one shape.
type Event struct {
	Type         EventType
	Text         string
	ToolName     string
	ToolInput    map[string]any
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	ErrMessage   string
}

// wireEvent accepts every field alias the worker CLI family emits.
type wireEvent struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Text      string         `json:"text"`
	Result    string         `json:"result"`
	ToolName  string         `json:"tool_name"`
	Name      string         `json:"name"`
	ToolInput map[string]any `json:"tool_input"`
	Input     map[string]any `json:"input"`
	SessionID string         `json:"session_id"`
	Error     string         `json:"error"`
	Message   string         `json:"message"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Metrics      *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"metrics"`
}

var knownEvents = map[EventType]bool{
	EventSession: true, EventToolUse: true, EventToolCode: true,
	EventToolResult: true, EventText: true, EventMessage: true,
	EventUsage: true, EventStats: true, EventError: true,
	EventResult: true, EventDone: true,
}

// parseEvent decodes one output line. A line that is not a JSON record is
// plain text; an unknown record type with textual content is text; an
// unknown type with no content is dropped (ok=false).
func parseEvent(line string) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal([]byte(line), &w); err != nil || w.Type == "" {
		return Event{Type: EventText, Text: line}, true
	}

	ev := Event{
		Type:      EventType(w.Type),
		Text:      firstNonEmpty(w.Content, w.Text, w.Result),
		ToolName:  strings.TrimSpace(firstNonEmpty(w.ToolName, w.Name)),
		SessionID: w.SessionID,
	}
	if w.ToolInput != nil {
		ev.ToolInput = w.ToolInput
	} else {
		ev.ToolInput = w.Input
	}

	ev.InputTokens = w.InputTokens
	ev.OutputTokens = w.OutputTokens
	if w.Metrics != nil {
		if w.Metrics.InputTokens > 0 {
			ev.InputTokens = w.Metrics.InputTokens
		}
		if w.Metrics.OutputTokens > 0 {
			ev.OutputTokens = w.Metrics.OutputTokens
		}
	}

	if ev.Type == EventError {
		ev.ErrMessage = firstNonEmpty(w.Error, w.Message, w.Content, w.Text)
	}

	if !knownEvents[ev.Type] {
		if ev.Text == "" {
			return Event{}, false
		}
		ev.Type = EventText
	}
	return ev, true
}

// scanEvents reads the child's output stream line by line and invokes
// onEvent for each decoded record. A partial trailing line is buffered by
// the scanner until its newline arrives, so records split across reads
// decode as one event. A non-nil error from onEvent stops the scan and is
// returned to the caller.
func scanEvents(r io.Reader, onEvent func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large tool payloads
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := parseEvent(line)
		if !ok {
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
