package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// RedisOptions configures the Redis Streams transport.
type RedisOptions struct {
	URL          string // default redis://localhost:6379/0
	Group        string // consumer group name; empty = tail reads
	Consumer     string // unique consumer name within the group
	StreamMaxLen int64  // approximate per-topic cap hint; 0 = unbounded
}

// RedisBus stores each topic as an independent Redis stream.
//
//   - Publish: XADD with fields {id: canonical uuid, payload: compact JSON}
//   - Tail reads: XREVRANGE/XRANGE, uuid cursors resolved by chunked scan
//   - Group reads: XREADGROUP with lazy group creation at offset 0 and
//     XACK after conversion (at-least-once)
type RedisBus struct {
	rdb      *redis.Client
	group    string
	consumer string
	maxLen   int64

	groupsMu sync.Mutex
	groups   map[string]bool // topics whose group creation already succeeded

	ackFailed atomic.Int64
	malformed atomic.Int64
}

// NewRedisBus connects and pings the server.
func NewRedisBus(opts RedisOptions) (*RedisBus, error) {
	url := opts.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: redis ping: %w: %v", model.ErrUnavailable, err)
	}

	consumer := opts.Consumer
	if opts.Group != "" && consumer == "" {
		consumer = "consumer-" + uuid.NewString()
	}
	return &RedisBus{
		rdb:      client,
		group:    opts.Group,
		consumer: consumer,
		maxLen:   opts.StreamMaxLen,
		groups:   make(map[string]bool),
	}, nil
}

// Close releases the underlying client.
func (b *RedisBus) Close() error { return b.rdb.Close() }

// AckFailures returns the number of failed XACKs observed so far.
func (b *RedisBus) AckFailures() int64 { return b.ackFailed.Load() }

// MalformedPayloads returns the number of entries skipped for bad JSON.
func (b *RedisBus) MalformedPayloads() int64 { return b.malformed.Load() }

// Publish appends msg to the topic stream. The caller-supplied uuid stays the
// canonical id; the stream entry id is internal.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("bus: %w: payload not serializable: %v", model.ErrInvalidArgument, err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"id": msg.ID, "payload": string(raw)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("bus: xadd %s: %w: %v", topic, model.ErrUnavailable, err)
	}
	return msg.ID, nil
}

// Read is non-blocking. Group mode delivers never-seen entries for the group;
// tail mode returns entries after lastID (or the most recent limit).
func (b *RedisBus) Read(ctx context.Context, topic, lastID string, limit int) ([]Message, error) {
	if b.group != "" {
		return b.readGroup(ctx, topic, limit, -1)
	}
	return b.readTail(ctx, topic, lastID, limit)
}

// ReadBlocking waits up to block for entries strictly after lastID. On
// timeout it returns an empty slice and nil error.
func (b *RedisBus) ReadBlocking(ctx context.Context, topic, lastID string, limit int, block time.Duration) ([]Message, error) {
	block = clampBlock(block)
	if b.group != "" {
		return b.readGroup(ctx, topic, limit, block)
	}

	start := "$"
	switch {
	case lastID == "":
		// Tail from now.
	case isNativeID(lastID):
		start = lastID
	default:
		native, ok, err := b.resolveUUID(ctx, topic, lastID, limit)
		if err != nil {
			return nil, err
		}
		if ok {
			start = native
		}
		// Unresolvable uuid tails from the current end.
	}

	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{topic, start},
		Count:   int64(limit),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: xread %s: %w: %v", topic, model.ErrUnavailable, err)
	}
	var out []Message
	for _, s := range streams {
		out = append(out, b.convert(topic, s.Messages)...)
	}
	return out, nil
}

func (b *RedisBus) readTail(ctx context.Context, topic, lastID string, limit int) ([]Message, error) {
	if lastID == "" {
		entries, err := b.rdb.XRevRangeN(ctx, topic, "+", "-", int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("bus: xrevrange %s: %w: %v", topic, model.ErrUnavailable, err)
		}
		// XREVRANGE is newest-first; callers get append order.
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		return b.convert(topic, entries), nil
	}

	if isNativeID(lastID) {
		entries, err := b.rdb.XRangeN(ctx, topic, "("+lastID, "+", int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("bus: xrange %s: %w: %v", topic, model.ErrUnavailable, err)
		}
		return b.convert(topic, entries), nil
	}

	collected, err := b.scanAfterUUID(ctx, topic, lastID, limit)
	if err != nil {
		return nil, err
	}
	return b.convert(topic, collected), nil
}

// scanAfterUUID walks the stream from the oldest entry in chunks, looking for
// the entry whose canonical id equals lastID, then collects up to limit
// successors. A uuid matching no entry yields an empty result.
func (b *RedisBus) scanAfterUUID(ctx context.Context, topic, lastID string, limit int) ([]redis.XMessage, error) {
	var collected []redis.XMessage
	cursor := "-"
	found := false
	chunk := int64(scanChunk(limit))
	for {
		start := cursor
		if cursor != "-" {
			start = "(" + cursor
		}
		entries, err := b.rdb.XRangeN(ctx, topic, start, "+", chunk).Result()
		if err != nil {
			return nil, fmt.Errorf("bus: xrange %s: %w: %v", topic, model.ErrUnavailable, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, m := range entries {
			if !found {
				if canonicalID(m) == lastID || m.ID == lastID {
					found = true
				}
				continue
			}
			collected = append(collected, m)
			if len(collected) >= limit {
				break
			}
		}
		if len(collected) >= limit || entries[len(entries)-1].ID == cursor {
			break
		}
		cursor = entries[len(entries)-1].ID
	}
	return collected, nil
}

// resolveUUID maps a canonical uuid to its native stream entry id.
func (b *RedisBus) resolveUUID(ctx context.Context, topic, id string, limit int) (string, bool, error) {
	cursor := "-"
	chunk := int64(scanChunk(limit))
	for {
		start := cursor
		if cursor != "-" {
			start = "(" + cursor
		}
		entries, err := b.rdb.XRangeN(ctx, topic, start, "+", chunk).Result()
		if err != nil {
			return "", false, fmt.Errorf("bus: xrange %s: %w: %v", topic, model.ErrUnavailable, err)
		}
		if len(entries) == 0 {
			return "", false, nil
		}
		for _, m := range entries {
			if canonicalID(m) == id {
				return m.ID, true, nil
			}
		}
		if entries[len(entries)-1].ID == cursor {
			return "", false, nil
		}
		cursor = entries[len(entries)-1].ID
	}
}

// readGroup delivers entries never yet seen by the group and acknowledges
// each one after conversion. block < 0 means non-blocking.
func (b *RedisBus) readGroup(ctx context.Context, topic string, limit int, block time.Duration) ([]Message, error) {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	entries, err := b.xreadGroup(ctx, topic, limit, block)
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		// Topic or group vanished under us (trim, flush): recreate and retry once.
		b.forgetGroup(topic)
		if err = b.ensureGroup(ctx, topic); err == nil {
			entries, err = b.xreadGroup(ctx, topic, limit, block)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bus: xreadgroup %s: %w: %v", topic, model.ErrUnavailable, err)
	}

	out := b.convert(topic, entries)
	for _, m := range entries {
		if err := b.rdb.XAck(ctx, topic, b.group, m.ID).Err(); err != nil {
			b.ackFailed.Add(1)
			slog.Warn("bus.ack_failed", "topic", topic, "group", b.group, "entry", m.ID, "error", err)
		}
	}
	return out, nil
}

func (b *RedisBus) xreadGroup(ctx context.Context, topic string, limit int, block time.Duration) ([]redis.XMessage, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(limit),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []redis.XMessage
	for _, s := range streams {
		entries = append(entries, s.Messages...)
	}
	return entries, nil
}

// ensureGroup creates the consumer group at offset 0 so pre-existing entries
// are delivered. Racing creators treat BUSYGROUP as success.
func (b *RedisBus) ensureGroup(ctx context.Context, topic string) error {
	b.groupsMu.Lock()
	done := b.groups[topic]
	b.groupsMu.Unlock()
	if done {
		return nil
	}

	err := b.rdb.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: xgroup create %s/%s: %w: %v", topic, b.group, model.ErrUnavailable, err)
	}
	b.groupsMu.Lock()
	b.groups[topic] = true
	b.groupsMu.Unlock()
	return nil
}

func (b *RedisBus) forgetGroup(topic string) {
	b.groupsMu.Lock()
	delete(b.groups, topic)
	b.groupsMu.Unlock()
}

// convert decodes stream entries into Messages. Entries with unparsable
// payload JSON are logged, counted, and skipped.
func (b *RedisBus) convert(topic string, entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, m := range entries {
		payloadRaw, _ := m.Values["payload"].(string)
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			b.malformed.Add(1)
			slog.Warn("bus.malformed_payload", "topic", topic, "entry", m.ID, "error", err)
			continue
		}
		id := canonicalID(m)
		if id == "" {
			id = m.ID
		}
		out = append(out, Message{Topic: topic, Payload: payload, ID: id})
	}
	return out
}

func canonicalID(m redis.XMessage) string {
	id, _ := m.Values["id"].(string)
	return id
}

// clampBlock floors a positive blocking duration at one millisecond. BLOCK
// travels on the wire in whole milliseconds, so anything shorter would
// serialize as BLOCK 0, which blocks indefinitely.
func clampBlock(d time.Duration) time.Duration {
	if d > 0 && d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
