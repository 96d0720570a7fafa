// Package runner defines the streamed-run capability the worker drives, plus
// two implementations: a deterministic demo runner and an adapter over a
// streaming chat provider.
package runner

import (
	"context"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// Item is one element of a run's stream: either a typed event, an
// already-mapped payload relayed without interpretation, or a terminal error.
type Item struct {
	Event model.StreamEvent
	Raw   map[string]any
	Err   error
}

// Runner produces the stream of events for one envelope. The returned channel
// is closed when the run ends; a run that fails delivers exactly one Item
// with Err set as its final element. A constructor error (before any event)
// is returned directly.
type Runner interface {
	StreamRun(ctx context.Context, env *model.Envelope) (<-chan Item, error)
}
