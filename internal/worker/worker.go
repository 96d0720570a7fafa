// Package worker consumes one agent's inbound topic, drives the runner, and
// republishes streamed events on the per-conversation stream topic with at
// most one concurrent run per conversation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
	"github.com/nextlevelbuilder/agentmesh/internal/runner"
	"github.com/nextlevelbuilder/agentmesh/internal/signals"
	"github.com/nextlevelbuilder/agentmesh/internal/telemetry"
)

const defaultReadLimit = 100

// Backoff bounds for the drain loop when nothing is available.
const (
	backoffMin = 50 * time.Millisecond
	backoffMax = 200 * time.Millisecond
)

// Options tunes a Worker.
type Options struct {
	// ReadLimit caps how many inbound entries one drain reads.
	ReadLimit int
	// AutoChildSignalDone emits a signal on metadata.orchestrate.done_topic
	// after a successful run.
	AutoChildSignalDone bool
	// Signaler used for child done signals; required when
	// AutoChildSignalDone is set.
	Signaler *signals.Signaler
}

// Worker drains chat:<agent> and streams run events to stream:<conversation>.
type Worker struct {
	agent    string
	bus      bus.Bus
	runner   runner.Runner
	signaler *signals.Signaler

	readLimit     int
	autoChildDone bool

	lastInboundID string
	counters      Counters
}

func New(agent string, b bus.Bus, r runner.Runner, opts Options) *Worker {
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	return &Worker{
		agent:         agent,
		bus:           b,
		runner:        r,
		signaler:      opts.Signaler,
		readLimit:     limit,
		autoChildDone: opts.AutoChildSignalDone,
	}
}

// Agent returns the worker's agent name.
func (w *Worker) Agent() string { return w.agent }

// ProcessAvailable drains the inbound topic once and returns the number of
// runs executed. At most one message per conversation is processed per drain;
// the watermark advances only to the last processed id so skipped entries
// stay eligible for the next drain.
func (w *Worker) ProcessAvailable(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = w.readLimit
	}
	inbound := model.AgentTopic(w.agent)
	messages, err := w.bus.Read(ctx, inbound, w.lastInboundID, limit)
	if err != nil {
		return 0, fmt.Errorf("worker %s: read inbound: %w", w.agent, err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	processed := 0
	seen := make(map[string]bool)
	lastProcessed := w.lastInboundID

	for _, msg := range messages {
		env, err := model.EnvelopeFromPayload(msg.Payload)
		if err != nil {
			w.counters.Malformed.Add(1)
			slog.Warn("worker.envelope_rejected", "agent", w.agent, "message_id", msg.ID, "error", err)
			continue
		}
		if seen[env.ConversationID] {
			// Single-flight per conversation: leave it for the next drain.
			continue
		}
		seen[env.ConversationID] = true
		w.runAndStream(ctx, env)
		processed++
		lastProcessed = msg.ID
	}

	w.lastInboundID = lastProcessed
	w.counters.Processed.Add(int64(processed))
	return processed, nil
}

// Run drains in a loop until ctx is cancelled, backing off exponentially
// (50ms to 200ms) while idle and resetting on progress.
func (w *Worker) Run(ctx context.Context) error {
	backoff := backoffMin
	for {
		n, err := w.ProcessAvailable(ctx, w.readLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("worker.drain_failed", "agent", w.agent, "error", err)
		}
		if n > 0 {
			backoff = backoffMin
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// runAndStream executes one run. Runner failures are logged and never
// propagate out of the drain.
func (w *Worker) runAndStream(ctx context.Context, env *model.Envelope) {
	runID := uuid.NewString()
	ctx, span := telemetry.Tracer().Start(ctx, "worker.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("conversation_id", env.ConversationID),
			attribute.String("agent", w.agent),
		))
	defer span.End()
	log := slog.With("run_id", runID, "conversation_id", env.ConversationID, "agent", w.agent)
	log.Info("run.started")
	w.counters.RunsStarted.Add(1)

	if err := w.streamEvents(ctx, env, log); err != nil {
		w.counters.RunsErrored.Add(1)
		log.Error("run.errored", "error", err)
		return
	}

	w.counters.RunsCompleted.Add(1)
	log.Info("run.completed")

	if w.autoChildDone && w.signaler != nil {
		if doneTopic := env.DoneTopic(); doneTopic != "" {
			if _, err := w.signaler.Send(ctx, doneTopic, map[string]any{}); err != nil {
				log.Warn("run.child_done_signal_failed", "topic", doneTopic, "error", err)
			}
		}
	}
}

func (w *Worker) streamEvents(ctx context.Context, env *model.Envelope, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()

	items, err := w.runner.StreamRun(ctx, env)
	if err != nil {
		return err
	}
	streamTopic := model.StreamTopic(env.ConversationID)
	for item := range items {
		if item.Err != nil {
			return item.Err
		}
		payload := item.Raw
		if item.Event != nil {
			payload, err = model.EventPayload(item.Event)
			if err != nil {
				return err
			}
		}
		if payload == nil {
			continue
		}
		msg := bus.NewMessage(streamTopic, payload)
		if _, err := w.bus.Publish(ctx, streamTopic, msg); err != nil {
			// Stream publishes are best-effort: log and keep the run alive.
			log.Warn("run.stream_publish_failed", "topic", streamTopic, "error", err)
		}
	}
	return nil
}

// Counters exposes the worker's monotonic counters.
func (w *Worker) Counters() CountersSnapshot {
	return w.counters.snapshot()
}
