package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope type values.
const (
	TypeMessage = "message"
	TypeControl = "control"
)

// Envelope is the canonical message record that flows through topics.
// Delivery transport (Redis, HTTP, in-memory) is intentionally not encoded here.
type Envelope struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Type           string         `json:"type"` // "message" or "control"
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewEnvelope builds an envelope with a fresh id and UTC timestamp.
func NewEnvelope(conversationID, sender, recipient, typ, content string) *Envelope {
	return &Envelope{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Recipient:      recipient,
		Type:           typ,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks the required fields. An envelope is immutable once
// published, so validation happens at the send boundary and again when a
// worker picks the payload off its inbound topic.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: %w: id is required", ErrInvalidArgument)
	}
	if e.ConversationID == "" {
		return fmt.Errorf("envelope: %w: conversation_id is required", ErrInvalidArgument)
	}
	if e.Sender == "" {
		return fmt.Errorf("envelope: %w: sender is required", ErrInvalidArgument)
	}
	if e.Recipient == "" {
		return fmt.Errorf("envelope: %w: recipient is required", ErrInvalidArgument)
	}
	switch e.Type {
	case TypeMessage, TypeControl:
	default:
		return fmt.Errorf("envelope: %w: type must be %q or %q", ErrInvalidArgument, TypeMessage, TypeControl)
	}
	return nil
}

// Payload converts the envelope to the generic map shape stored on the bus.
func (e *Envelope) Payload() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("envelope: remarshal: %w", err)
	}
	return out, nil
}

// EnvelopeFromPayload decodes and validates a bus payload as an envelope.
func EnvelopeFromPayload(payload map[string]any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w: %v", ErrInvalidArgument, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DoneTopic returns metadata.orchestrate.done_topic when it is a non-empty
// string, otherwise "". Parent orchestrators set it so the worker can emit a
// completion signal after a successful run.
func (e *Envelope) DoneTopic() string {
	orch, ok := e.Metadata["orchestrate"].(map[string]any)
	if !ok {
		return ""
	}
	topic, _ := orch["done_topic"].(string)
	return strings.TrimSpace(topic)
}
