package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// DemoRunner is a deterministic runner for local demos without external API
// calls.
//
// Protocol: content starting with "run:" is treated as a command name and
// produces a simulated tool step pair followed by a final answer; anything
// else gets a short conversational acknowledgement.
type DemoRunner struct{}

func NewDemoRunner() *DemoRunner { return &DemoRunner{} }

func (r *DemoRunner) StreamRun(_ context.Context, env *model.Envelope) (<-chan Item, error) {
	out := make(chan Item, 8)
	go func() {
		defer close(out)
		text := strings.TrimSpace(env.Content)
		if cmd, ok := strings.CutPrefix(strings.ToLower(text), "run:"); ok {
			cmd = strings.TrimSpace(cmd)

			start := model.NewToolStepEvent(env.ConversationID, "terminal.run", map[string]any{"command": cmd})
			start.Status = model.ToolStepStart
			out <- Item{Event: start}

			done := model.NewToolStepEvent(env.ConversationID, "terminal.run", map[string]any{})
			done.Status = model.ToolStepSuccess
			done.ResultSummary = fmt.Sprintf("simulated run of %q", cmd)
			out <- Item{Event: done}

			final := fmt.Sprintf("I ran: %s\n\nHere is the result:\n%s", cmd, done.ResultSummary)
			out <- Item{Event: model.NewOutputEvent(env.ConversationID, final)}
			return
		}

		ack := text
		if ack == "" {
			ack = "(no content)"
		}
		out <- Item{Event: model.NewOutputEvent(env.ConversationID, "Got it — "+ack)}
	}()
	return out, nil
}
