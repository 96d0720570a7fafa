package runner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
	"github.com/nextlevelbuilder/agentmesh/internal/provider"
)

const defaultBufferSize = 64

// ProviderRunner adapts a streaming chat provider to the Runner contract.
//
// The provider's reader goroutine is isolated from the worker's synchronous
// publisher by the bounded output channel: token frames are dropped when the
// buffer is full, tool and output frames always block until delivered, so a
// run yields exactly one final output regardless of drops.
type ProviderRunner struct {
	streamer   provider.ChatStreamer
	sessions   *SessionCache
	model      string
	maxTokens  int
	bufferSize int
	dropped    atomic.Int64
}

// ProviderRunnerOptions configures a ProviderRunner.
type ProviderRunnerOptions struct {
	Model           string
	MaxTokens       int
	BufferSize      int // bounded token buffer; <= 0 selects the default
	SessionCapacity int
}

func NewProviderRunner(streamer provider.ChatStreamer, opts ProviderRunnerOptions) *ProviderRunner {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &ProviderRunner{
		streamer:   streamer,
		sessions:   NewSessionCache(opts.SessionCapacity),
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		bufferSize: size,
	}
}

// DroppedTokens reports how many token frames were discarded on full buffers.
func (r *ProviderRunner) DroppedTokens() int64 { return r.dropped.Load() }

func (r *ProviderRunner) StreamRun(ctx context.Context, env *model.Envelope) (<-chan Item, error) {
	history := r.sessions.History(env.ConversationID)
	userTurn := provider.Message{Role: "user", Content: env.Content}
	messages := append(history, userTurn)

	out := make(chan Item, r.bufferSize)
	go func() {
		defer close(out)

		index := 0
		onChunk := func(chunk provider.StreamChunk) {
			if chunk.Content == "" {
				return
			}
			evt := model.NewTokenEvent(env.ConversationID, chunk.Content, index)
			index++
			select {
			case out <- Item{Event: evt}:
			default:
				// Buffer full: tokens are droppable, the final output is not.
				r.dropped.Add(1)
			}
		}

		resp, err := r.streamer.ChatStream(ctx, provider.ChatRequest{
			Model:     r.model,
			Messages:  messages,
			MaxTokens: r.maxTokens,
		}, onChunk)
		if err != nil {
			out <- Item{Err: fmt.Errorf("runner: %s stream: %w", r.streamer.Name(), err)}
			return
		}

		for _, tc := range resp.ToolCalls {
			evt := model.NewToolStepEvent(env.ConversationID, tc.Name, tc.Arguments)
			evt.ToolCallID = tc.ID
			evt.Status = model.ToolStepStart
			out <- Item{Event: evt}
		}

		final := model.NewOutputEvent(env.ConversationID, resp.Content)
		if resp.Usage != nil {
			final.Usage = map[string]any{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			}
		}
		out <- Item{Event: final}

		r.sessions.Append(env.ConversationID, userTurn,
			provider.Message{Role: "assistant", Content: resp.Content})
	}()
	return out, nil
}
