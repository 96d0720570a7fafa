package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream event kinds carried on stream:<conversation_id>.
// The set is open: unknown kinds are relayed without interpretation.
const (
	EventToken       = "token"
	EventToolStep    = "tool_step"
	EventOutput      = "output"
	EventUserMessage = "user_message"
	EventLog         = "log"
	EventSignalSend  = "signal_send"
	EventSignalRecv  = "signal_recv"
)

// Tool step status values.
const (
	ToolStepStart   = "start"
	ToolStepSuccess = "success"
	ToolStepError   = "error"
)

// StreamEvent is implemented by every typed event variant.
type StreamEvent interface {
	Kind() string
}

// BaseEvent holds the fields common to all stream events.
type BaseEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func newBase(conversationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

// TokenEvent is one incremental text delta. Index is monotonically
// non-decreasing within a run.
type TokenEvent struct {
	BaseEvent
	Event string `json:"event"`
	Text  string `json:"text"`
	Index int    `json:"index"`
}

func NewTokenEvent(conversationID, text string, index int) *TokenEvent {
	return &TokenEvent{BaseEvent: newBase(conversationID), Event: EventToken, Text: text, Index: index}
}

func (e *TokenEvent) Kind() string { return EventToken }

// ToolStepEvent reports a tool invocation or its result.
type ToolStepEvent struct {
	BaseEvent
	Event         string         `json:"event"`
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	ResultSummary string         `json:"result_summary,omitempty"`
	Status        string         `json:"status,omitempty"` // start|success|error
	ToolCallID    string         `json:"tool_call_id,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func NewToolStepEvent(conversationID, name string, args map[string]any) *ToolStepEvent {
	if args == nil {
		args = map[string]any{}
	}
	return &ToolStepEvent{BaseEvent: newBase(conversationID), Event: EventToolStep, Name: name, Args: args}
}

func (e *ToolStepEvent) Kind() string { return EventToolStep }

// OutputEvent is the final answer of a run. At most one per run is final.
type OutputEvent struct {
	BaseEvent
	Event string         `json:"event"`
	Text  string         `json:"text"`
	Usage map[string]any `json:"usage,omitempty"`
}

func NewOutputEvent(conversationID, text string) *OutputEvent {
	return &OutputEvent{BaseEvent: newBase(conversationID), Event: EventOutput, Text: text}
}

func (e *OutputEvent) Kind() string { return EventOutput }

// UserMessageEvent mirrors an inbound user message onto the stream.
// Synthesized by the gateway only.
type UserMessageEvent struct {
	BaseEvent
	Event  string `json:"event"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func NewUserMessageEvent(conversationID, sender, text string) *UserMessageEvent {
	return &UserMessageEvent{BaseEvent: newBase(conversationID), Event: EventUserMessage, Sender: sender, Text: text}
}

func (e *UserMessageEvent) Kind() string { return EventUserMessage }

// LogEvent carries a diagnostic line for stream subscribers.
type LogEvent struct {
	BaseEvent
	Event string `json:"event"`
	Level string `json:"level,omitempty"`
	Text  string `json:"text"`
}

func NewLogEvent(conversationID, level, text string) *LogEvent {
	return &LogEvent{BaseEvent: newBase(conversationID), Event: EventLog, Level: level, Text: text}
}

func (e *LogEvent) Kind() string { return EventLog }

// SignalEvent mirrors a signal send or receive onto the stream sidecar.
type SignalEvent struct {
	BaseEvent
	Event        string `json:"event"` // signal_send or signal_recv
	Topic        string `json:"topic"`
	MessageID    string `json:"message_id,omitempty"`
	PayloadBytes int    `json:"payload_bytes,omitempty"`
}

func NewSignalEvent(kind, conversationID, topic, messageID string, payloadBytes int) *SignalEvent {
	return &SignalEvent{
		BaseEvent:    newBase(conversationID),
		Event:        kind,
		Topic:        topic,
		MessageID:    messageID,
		PayloadBytes: payloadBytes,
	}
}

func (e *SignalEvent) Kind() string { return e.Event }

// EventPayload serializes a typed event into the generic map shape published
// to the bus. The worker relays already-mapped events untouched, so this is
// the only place typed variants are flattened.
func EventPayload(ev StreamEvent) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", ev.Kind(), err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("event: remarshal %s: %w", ev.Kind(), err)
	}
	return out, nil
}

// EventKind returns the "event" discriminator of a generic payload, or ""
// when the payload carries none. Unknown kinds are preserved by callers.
func EventKind(payload map[string]any) string {
	kind, _ := payload["event"].(string)
	return kind
}
