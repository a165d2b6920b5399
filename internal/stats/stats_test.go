package stats

import (
	"math"
	"testing"
	"time"
)

// clock is a controllable time source for tracker tests.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *clock) {
	c := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return newTrackerAt(c.now, c.t), c
}

func TestTracker_ZeroElapsedGuard(t *testing.T) {
	tr, _ := newTestTracker()

	// First usage snapshot often arrives before any wall-clock time has
	// passed in tests; throughput must stay zero, never NaN or Inf.
	tr.Update(10, 5, 15)

	got := tr.Throughput()
	if got != 0 {
		t.Fatalf("throughput at zero elapsed = %v, want 0", got)
	}
}

func TestTracker_Throughput(t *testing.T) {
	tr, c := newTestTracker()

	c.advance(2 * time.Second)
	tr.Update(100, 50, 150)

	if got := tr.Throughput(); got != 25 {
		t.Fatalf("throughput = %v, want 25", got)
	}

	c.advance(2 * time.Second)
	tr.Update(100, 200, 300)

	if got := tr.Throughput(); got != 50 {
		t.Fatalf("throughput = %v, want 50", got)
	}
}

func TestTracker_MonotonicClamp(t *testing.T) {
	tr, c := newTestTracker()
	c.advance(time.Second)

	tr.Update(10, 5, 15)
	tr.Update(8, 3, 11) // regressing snapshot must not move counters back

	snap := tr.Snapshot()
	if snap.InputTokens != 10 || snap.OutputTokens != 5 || snap.TotalTokens != 15 {
		t.Fatalf("snapshot = %+v, want 10/5/15", snap)
	}
}

func TestTracker_TotalNeverBelowSum(t *testing.T) {
	tr, c := newTestTracker()
	c.advance(time.Second)

	// Providers that omit total_tokens report zero; derive it.
	tr.Update(40, 10, 0)

	if snap := tr.Snapshot(); snap.TotalTokens != 50 {
		t.Fatalf("total = %d, want 50", snap.TotalTokens)
	}
}

func TestTracker_AlwaysFinite(t *testing.T) {
	tr, c := newTestTracker()

	updates := []struct {
		adv            time.Duration
		in, out, total int
	}{
		{0, 0, 0, 0},
		{time.Millisecond, 1, 1, 2},
		{time.Second, 10, 100, 110},
		{10 * time.Second, 10, 100, 110},
	}
	for _, u := range updates {
		c.advance(u.adv)
		tr.Update(u.in, u.out, u.total)
		got := tr.Throughput()
		if got < 0 || math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("throughput not finite/non-negative: %v", got)
		}
	}
}

func TestTracker_Elapsed(t *testing.T) {
	tr, c := newTestTracker()
	c.advance(1500 * time.Millisecond)

	if got := tr.Elapsed(); got != 1500*time.Millisecond {
		t.Fatalf("elapsed = %v", got)
	}
}
