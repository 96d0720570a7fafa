package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same contract as the Redis
// transport: append-order topics, uuid cursors, consumer-group delivery.
// Views created with WithGroup share the underlying log, so several workers
// in one test exercise real group semantics.
type MemoryBus struct {
	core     *memCore
	group    string
	consumer string
}

type memEntry struct {
	native  string
	id      string
	payload map[string]any
}

type memCore struct {
	mu     sync.Mutex
	topics map[string][]memEntry
	groups map[string]int // "topic|group" -> index of next undelivered entry
	seq    int64
	notify chan struct{} // closed and replaced on every publish
}

// NewMemoryBus creates an empty in-memory bus for tail reads.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{core: &memCore{
		topics: make(map[string][]memEntry),
		groups: make(map[string]int),
		notify: make(chan struct{}),
	}}
}

// WithGroup returns a consumer-group view over the same log.
func (b *MemoryBus) WithGroup(group, consumer string) *MemoryBus {
	return &MemoryBus{core: b.core, group: group, consumer: consumer}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) (string, error) {
	c := b.core
	c.mu.Lock()
	c.seq++
	entry := memEntry{
		native:  fmt.Sprintf("%d-0", c.seq),
		id:      msg.ID,
		payload: msg.Payload,
	}
	c.topics[topic] = append(c.topics[topic], entry)
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
	return msg.ID, nil
}

func (b *MemoryBus) Read(_ context.Context, topic, lastID string, limit int) ([]Message, error) {
	c := b.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.group != "" {
		return b.readGroupLocked(topic, limit), nil
	}
	return b.readTailLocked(topic, lastID, limit), nil
}

func (b *MemoryBus) ReadBlocking(ctx context.Context, topic, lastID string, limit int, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	c := b.core

	c.mu.Lock()
	start := -1
	if b.group == "" {
		start = b.resolveStartLocked(topic, lastID)
	}
	for {
		var out []Message
		if b.group != "" {
			out = b.readGroupLocked(topic, limit)
		} else if entries := c.topics[topic]; len(entries) > start {
			out = toMessages(topic, entries[start:], limit)
			start = len(entries)
		}
		if len(out) > 0 {
			c.mu.Unlock()
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.mu.Unlock()
			return nil, nil
		}
		notify := c.notify
		c.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
		c.mu.Lock()
	}
}

// resolveStartLocked maps a cursor to the index of the first entry to
// deliver. Empty or unresolvable cursors tail from the current end,
// mirroring the blocking semantics of the stream transport.
func (b *MemoryBus) resolveStartLocked(topic, lastID string) int {
	entries := b.core.topics[topic]
	if lastID == "" {
		return len(entries)
	}
	for i, e := range entries {
		if e.id == lastID || e.native == lastID {
			return i + 1
		}
	}
	return len(entries)
}

func (b *MemoryBus) readTailLocked(topic, lastID string, limit int) []Message {
	entries := b.core.topics[topic]
	if lastID == "" {
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		return toMessages(topic, entries, limit)
	}
	for i, e := range entries {
		if e.id == lastID || e.native == lastID {
			return toMessages(topic, entries[i+1:], limit)
		}
	}
	// Unknown cursor yields an empty non-blocking read.
	return nil
}

func (b *MemoryBus) readGroupLocked(topic string, limit int) []Message {
	c := b.core
	key := topic + "|" + b.group
	next := c.groups[key]
	entries := c.topics[topic]
	if next >= len(entries) {
		return nil
	}
	out := toMessages(topic, entries[next:], limit)
	c.groups[key] = next + len(out)
	return out
}

func toMessages(topic string, entries []memEntry, limit int) []Message {
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, Message{Topic: topic, Payload: e.payload, ID: e.id})
	}
	return out
}
