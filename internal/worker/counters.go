package worker

import "sync/atomic"

// Counters tracks worker activity. All fields are monotonic.
type Counters struct {
	Processed     atomic.Int64
	Malformed     atomic.Int64
	RunsStarted   atomic.Int64
	RunsCompleted atomic.Int64
	RunsErrored   atomic.Int64
}

// CountersSnapshot is a point-in-time copy for reporting.
type CountersSnapshot struct {
	Processed     int64 `json:"processed"`
	Malformed     int64 `json:"malformed"`
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsErrored   int64 `json:"runs_errored"`
}

func (c *Counters) snapshot() CountersSnapshot {
	return CountersSnapshot{
		Processed:     c.Processed.Load(),
		Malformed:     c.Malformed.Load(),
		RunsStarted:   c.RunsStarted.Load(),
		RunsCompleted: c.RunsCompleted.Load(),
		RunsErrored:   c.RunsErrored.Load(),
	}
}
