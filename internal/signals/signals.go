// Package signals layers a synchronous-feeling rendezvous API (send, wait,
// wait_any, wait_all) over the bus, with cursor persistence, payload caps,
// redaction, and topic-prefix policy.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// DefaultPayloadCap bounds the compact-JSON byte length of a signal payload.
const DefaultPayloadCap = 65536

// pollInterval is the fallback cadence when the transport's blocking read
// returns early.
const pollInterval = 50 * time.Millisecond

// Options configures a Signaler.
type Options struct {
	// Prefix, when non-empty, must prefix every signal topic.
	Prefix string
	// PayloadCap in bytes; <= 0 selects DefaultPayloadCap.
	PayloadCap int
	// ConversationID, when non-empty, binds the signaler to a conversation
	// so sends and successful waits are mirrored onto its stream topic.
	ConversationID string
	// Cursors overrides the process-wide cursor table.
	Cursors *CursorTable
}

// Signaler issues signal operations over a bus.
type Signaler struct {
	bus            bus.Bus
	cursors        *CursorTable
	prefix         string
	payloadCap     int
	conversationID string
}

func New(b bus.Bus, opts Options) *Signaler {
	cursors := opts.Cursors
	if cursors == nil {
		cursors = DefaultCursors
	}
	payloadCap := opts.PayloadCap
	if payloadCap <= 0 {
		payloadCap = DefaultPayloadCap
	}
	return &Signaler{
		bus:            b,
		cursors:        cursors,
		prefix:         opts.Prefix,
		payloadCap:     payloadCap,
		conversationID: opts.ConversationID,
	}
}

// SendResult is the shape returned by Send.
type SendResult struct {
	OK        bool   `json:"ok"`
	Topic     string `json:"topic"`
	MessageID string `json:"message_id"`
}

// WaitResult is the shape returned by Wait and WaitAny. On timeout OK is
// false and TimeoutMS carries the requested timeout.
type WaitResult struct {
	OK        bool           `json:"ok"`
	Topic     string         `json:"topic,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	LastID    string         `json:"last_id,omitempty"`
}

// WaitAllResult maps each requested topic to its result. OK is true only when
// every topic produced a message before the deadline.
type WaitAllResult struct {
	OK        bool                  `json:"ok"`
	Messages  map[string]WaitResult `json:"messages"`
	TimeoutMS int64                 `json:"timeout_ms,omitempty"`
}

// Send publishes {event: "signal", payload: payload} on topic.
func (s *Signaler) Send(ctx context.Context, topic string, payload map[string]any) (SendResult, error) {
	name, err := s.checkTopic(topic)
	if err != nil {
		return SendResult{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("signal: %w: payload not serializable: %v", model.ErrInvalidArgument, err)
	}
	if len(raw) > s.payloadCap {
		return SendResult{}, fmt.Errorf("signal: %w: payload is %d bytes, cap is %d", model.ErrPolicyDenied, len(raw), s.payloadCap)
	}

	msg := bus.NewMessage(name, map[string]any{"event": "signal", "payload": payload})
	id, err := s.bus.Publish(ctx, name, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("signal: publish %s: %w", name, err)
	}
	s.mirror(ctx, model.EventSignalSend, name, id, len(raw))
	return SendResult{OK: true, Topic: name, MessageID: id}, nil
}

// Wait blocks until one message after the cursor arrives on topic or the
// timeout elapses. The starting cursor is the explicit lastID when supplied,
// else the persisted cursor for (conversation, topic), else the topic tail.
func (s *Signaler) Wait(ctx context.Context, topic, lastID string, timeout time.Duration) (WaitResult, error) {
	name, err := s.checkTopic(topic)
	if err != nil {
		return WaitResult{}, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	cursor := lastID
	if cursor == "" {
		cursor = s.cursors.Get(s.conversationID, name)
	}

	msgs, err := s.bus.Read(ctx, name, cursor, 1)
	if err != nil {
		return WaitResult{}, fmt.Errorf("signal: read %s: %w", name, err)
	}
	if len(msgs) > 0 {
		return s.deliver(ctx, name, msgs[0]), nil
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WaitResult{OK: false, Topic: name, TimeoutMS: timeout.Milliseconds(), LastID: cursor}, nil
		}
		msgs, err := s.bus.ReadBlocking(ctx, name, cursor, 1, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return WaitResult{}, ctx.Err()
			}
			return WaitResult{}, fmt.Errorf("signal: read %s: %w", name, err)
		}
		if len(msgs) > 0 {
			return s.deliver(ctx, name, msgs[0]), nil
		}
		// The blocking primitive may return early; pace the retry.
		if time.Until(deadline) > pollInterval {
			select {
			case <-ctx.Done():
				return WaitResult{}, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
}

// WaitAny returns the first message available on any of the topics, sweeping
// in argument order (which is also the tie-break).
func (s *Signaler) WaitAny(ctx context.Context, topics []string, lastIDs map[string]string, timeout time.Duration) (WaitResult, error) {
	names, cursors, err := s.prepare(topics, lastIDs)
	if err != nil {
		return WaitResult{}, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		for _, name := range names {
			msgs, err := s.bus.Read(ctx, name, cursors[name], 1)
			if err != nil {
				return WaitResult{}, fmt.Errorf("signal: read %s: %w", name, err)
			}
			if len(msgs) > 0 {
				return s.deliver(ctx, name, msgs[0]), nil
			}
		}
		if time.Now().After(deadline) {
			return WaitResult{OK: false, TimeoutMS: timeout.Milliseconds()}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WaitAll collects one message per topic, looping until every topic produced
// one or the deadline passes.
func (s *Signaler) WaitAll(ctx context.Context, topics []string, lastIDs map[string]string, timeout time.Duration) (WaitAllResult, error) {
	names, cursors, err := s.prepare(topics, lastIDs)
	if err != nil {
		return WaitAllResult{}, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	results := make(map[string]WaitResult, len(names))
	for {
		for _, name := range names {
			if _, done := results[name]; done {
				continue
			}
			msgs, err := s.bus.Read(ctx, name, cursors[name], 1)
			if err != nil {
				return WaitAllResult{}, fmt.Errorf("signal: read %s: %w", name, err)
			}
			if len(msgs) > 0 {
				results[name] = s.deliver(ctx, name, msgs[0])
			}
		}
		if len(results) == len(names) {
			return WaitAllResult{OK: true, Messages: results}, nil
		}
		if time.Now().After(deadline) {
			return WaitAllResult{OK: false, Messages: results, TimeoutMS: timeout.Milliseconds()}, nil
		}
		select {
		case <-ctx.Done():
			return WaitAllResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// deliver persists the cursor, mirrors the receive, and redacts the returned
// copy. The bus-resident value is unchanged.
func (s *Signaler) deliver(ctx context.Context, topic string, msg bus.Message) WaitResult {
	s.cursors.Set(s.conversationID, topic, msg.ID)
	payloadLen := 0
	if inner, ok := msg.Payload["payload"]; ok {
		if raw, err := json.Marshal(inner); err == nil {
			payloadLen = len(raw)
		}
	}
	s.mirror(ctx, model.EventSignalRecv, topic, msg.ID, payloadLen)
	return WaitResult{
		OK:        true,
		Topic:     topic,
		Message:   redactMessage(msg.Payload),
		MessageID: msg.ID,
	}
}

// mirror publishes a signal_send/signal_recv event to the bound
// conversation's stream. Best-effort: failures never propagate.
func (s *Signaler) mirror(ctx context.Context, kind, topic, messageID string, payloadBytes int) {
	if s.conversationID == "" {
		return
	}
	evt := model.NewSignalEvent(kind, s.conversationID, topic, messageID, payloadBytes)
	payload, err := model.EventPayload(evt)
	if err != nil {
		return
	}
	streamTopic := model.StreamTopic(s.conversationID)
	msg := bus.Message{Topic: streamTopic, Payload: payload, ID: evt.ID}
	if _, err := s.bus.Publish(ctx, streamTopic, msg); err != nil {
		slog.Debug("signal.mirror_failed", "kind", kind, "topic", topic, "error", err)
	}
}

func (s *Signaler) prepare(topics []string, lastIDs map[string]string) ([]string, map[string]string, error) {
	if len(topics) == 0 {
		return nil, nil, fmt.Errorf("signal: %w: topics must be non-empty", model.ErrInvalidArgument)
	}
	names := make([]string, 0, len(topics))
	cursors := make(map[string]string, len(topics))
	for _, t := range topics {
		name, err := s.checkTopic(t)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		cursor := lastIDs[t]
		if cursor == "" {
			cursor = lastIDs[name]
		}
		if cursor == "" {
			cursor = s.cursors.Get(s.conversationID, name)
		}
		cursors[name] = cursor
	}
	return names, cursors, nil
}

func (s *Signaler) checkTopic(topic string) (string, error) {
	name := strings.TrimSpace(topic)
	if name == "" {
		return "", fmt.Errorf("signal: %w: topic must be non-empty", model.ErrInvalidArgument)
	}
	if s.prefix != "" && !strings.HasPrefix(name, s.prefix) {
		return "", fmt.Errorf("signal: %w: topic %q must start with %q", model.ErrPolicyDenied, name, s.prefix)
	}
	return name, nil
}
