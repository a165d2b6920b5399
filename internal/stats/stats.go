// Package stats tracks per-request token usage and streaming throughput.
package stats

import "time"

// TokenStats is the latest usage snapshot for one request. Values are
// monotonically non-decreasing across the life of the request.
type TokenStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Tracker accumulates usage updates for a single in-flight request and
// derives output-token throughput. It is request-scoped and not safe for
// concurrent use — the orchestrator updates it from the single stream
// consumer goroutine.
type Tracker struct {
	start     time.Time
	now       func() time.Time
	latest    TokenStats
	tokPerSec float64
}

// NewTracker starts tracking at the current time.
func NewTracker() *Tracker {
	return newTrackerAt(time.Now, time.Now())
}

func newTrackerAt(now func() time.Time, start time.Time) *Tracker {
	return &Tracker{start: start, now: now}
}

// Update records a usage snapshot and recomputes throughput. Snapshots that
// would move any counter backwards are clamped to the current value.
func (t *Tracker) Update(input, output, total int) {
	if input > t.latest.InputTokens {
		t.latest.InputTokens = input
	}
	if output > t.latest.OutputTokens {
		t.latest.OutputTokens = output
	}
	if total > t.latest.TotalTokens {
		t.latest.TotalTokens = total
	}
	if t.latest.TotalTokens < t.latest.InputTokens+t.latest.OutputTokens {
		t.latest.TotalTokens = t.latest.InputTokens + t.latest.OutputTokens
	}

	// Guard the first sample: never divide by zero elapsed time.
	elapsed := t.now().Sub(t.start).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokPerSec = float64(t.latest.OutputTokens) / elapsed
}

// Snapshot returns the latest token stats.
func (t *Tracker) Snapshot() TokenStats { return t.latest }

// Throughput returns output tokens per second of wall-clock streaming time.
// Always non-negative and finite.
func (t *Tracker) Throughput() float64 { return t.tokPerSec }

// Elapsed returns the wall-clock duration since tracking started.
func (t *Tracker) Elapsed() time.Duration { return t.now().Sub(t.start) }
