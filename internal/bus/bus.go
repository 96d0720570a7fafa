package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the unit the bus stores: a topic, a generic payload, and the
// publisher-supplied uuid that acts as the canonical id. The transport's own
// entry identifier is used internally for cursoring but never exposed.
type Message struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	ID      string         `json:"id"`
}

// NewMessage builds a message with a fresh canonical id.
func NewMessage(topic string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{Topic: topic, Payload: payload, ID: uuid.NewString()}
}

// Bus is the minimal pluggable transport interface. Kept tiny and stable so
// transports can be swapped without touching callers. Implementations must be
// safe for concurrent Publish/Read calls.
type Bus interface {
	// Publish appends one message to a topic and returns the canonical id.
	Publish(ctx context.Context, topic string, msg Message) (string, error)

	// Read returns up to limit messages strictly after lastID, in append
	// order. An empty lastID tails the most recent limit messages. May
	// return an empty slice. With a consumer group configured, lastID is
	// ignored and only entries never delivered to the group are returned.
	Read(ctx context.Context, topic, lastID string, limit int) ([]Message, error)

	// ReadBlocking behaves like Read but waits up to block for a message
	// strictly after lastID. On timeout it returns an empty slice and a
	// nil error.
	ReadBlocking(ctx context.Context, topic, lastID string, limit int, block time.Duration) ([]Message, error)
}

// isNativeID reports whether id looks like a transport entry id
// ("<millis>-<seq>") rather than a canonical uuid. UUIDs also contain dashes,
// so both sides must be purely numeric.
func isNativeID(id string) bool {
	left, right, ok := strings.Cut(id, "-")
	if !ok || left == "" || right == "" {
		return false
	}
	return allDigits(left) && allDigits(right)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// scanChunk is the chunk size used when resolving a uuid cursor by scanning a
// topic from its oldest entry.
func scanChunk(limit int) int {
	if c := 2 * limit; c > 100 {
		return c
	}
	return 100
}
