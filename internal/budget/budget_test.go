package budget

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestTracker(limits map[string]Limit) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(limits)
	tr.now = clock.Now
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}
	return tr, clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTryAcquire_DebitsAndDenies(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"read": {Capacity: 2, RefillPerSec: 1}})

	if d := tr.TryAcquire("read", 1); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("First acquire: got %+v", d)
	}
	if d := tr.TryAcquire("read", 1); !d.Allowed {
		t.Fatalf("Second acquire should pass: got %+v", d)
	}

	d := tr.TryAcquire("read", 1)
	if d.Allowed {
		t.Fatal("Third acquire should be denied")
	}
	if d.Wait != time.Second {
		t.Fatalf("Expected 1s wait for 1 token at 1/s, got %v", d.Wait)
	}
}

func TestTryAcquire_UnknownResourceIsUnlimited(t *testing.T) {
	tr, _ := newTestTracker(nil)
	if d := tr.TryAcquire("anything", 1000); !d.Allowed {
		t.Fatal("Unregistered resource should never be limited")
	}
}

func TestRefill_CappedAtCapacity(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"read": {Capacity: 5, RefillPerSec: 10}})

	for i := 0; i < 5; i++ {
		if d := tr.TryAcquire("read", 1); !d.Allowed {
			t.Fatalf("Acquire %d should pass", i)
		}
	}

	// Far more elapsed time than the bucket can hold
	clock.Advance(time.Hour)
	st := tr.Status("read")
	if st.Remaining != 5 {
		t.Fatalf("Refill must cap at capacity 5, got %v", st.Remaining)
	}
}

func TestRefill_MonotonicAndIdempotent(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"read": {Capacity: 100, RefillPerSec: 2}})
	tr.TryAcquire("read", 100)

	clock.Advance(time.Second)
	first := tr.Status("read").Remaining

	// Repeated status queries without elapsed time must not double-count.
	for i := 0; i < 10; i++ {
		if got := tr.Status("read").Remaining; got != first {
			t.Fatalf("Status query %d changed remaining: %v != %v", i, got, first)
		}
	}

	clock.Advance(time.Second)
	second := tr.Status("read").Remaining
	if second < first {
		t.Fatalf("More elapsed time yielded fewer tokens: %v -> %v", first, second)
	}
}

func TestConcurrentAcquire_NoDoubleSpend(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"write": {Capacity: 50, RefillPerSec: 0}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := tr.TryAcquire("write", 1); d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 50 {
		t.Fatalf("Expected exactly 50 grants from capacity 50, got %d", granted)
	}
	st := tr.Status("write")
	if st.Remaining < 0 || st.Remaining > st.Capacity {
		t.Fatalf("Remaining %v outside [0, %v]", st.Remaining, st.Capacity)
	}
}

func TestAcquire_BlocksUntilRefilled(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"read": {Capacity: 1, RefillPerSec: 1}})
	tr.TryAcquire("read", 1)

	// The fake sleep advances the clock, so this returns once the bucket
	// has refilled one token's worth.
	if err := tr.Acquire(context.Background(), "read", 1); err != nil {
		t.Fatalf("Acquire should eventually succeed: %v", err)
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"read": {Capacity: 1, RefillPerSec: 0}})
	tr.TryAcquire("read", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Acquire(ctx, "read", 1); err == nil {
		t.Fatal("Acquire must honor context cancellation")
	}
}

func TestSetRemaining_ClampsAndSetsReset(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"read": {Capacity: 10, RefillPerSec: 1}})

	resetAt := clock.Now().Add(15 * time.Minute)
	tr.SetRemaining("read", 3, resetAt)

	st := tr.Status("read")
	if st.Remaining != 3 {
		t.Fatalf("Expected remaining 3, got %v", st.Remaining)
	}
	if !st.ResetAt.Equal(resetAt) {
		t.Fatalf("Expected resetAt %v, got %v", resetAt, st.ResetAt)
	}

	tr.SetRemaining("read", 99, resetAt)
	if got := tr.Status("read").Remaining; got != 10 {
		t.Fatalf("SetRemaining must clamp to capacity, got %v", got)
	}
	tr.SetRemaining("read", -5, resetAt)
	if got := tr.Status("read").Remaining; got != 0 {
		t.Fatalf("SetRemaining must clamp at zero, got %v", got)
	}
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"read": {Capacity: 4, RefillPerSec: 0}})
	tr.TryAcquire("read", 4)
	tr.Reset("read")
	if got := tr.Status("read").Remaining; got != 4 {
		t.Fatalf("Reset should restore capacity, got %v", got)
	}
}

func TestSetLimit_ResizesExistingBucket(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"replies": {Capacity: 10, RefillPerSec: 1}})
	tr.TryAcquire("replies", 1)

	tr.SetLimit("replies", Limit{Capacity: 5, RefillPerSec: 1})
	st := tr.Status("replies")
	if st.Capacity != 5 {
		t.Fatalf("Expected capacity 5, got %v", st.Capacity)
	}
	if st.Remaining > 5 {
		t.Fatalf("Remaining must be clamped to new capacity, got %v", st.Remaining)
	}
}

func TestSnapshot_CoversAllRegisteredResources(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{
		"a": {Capacity: 1, RefillPerSec: 1},
		"b": {Capacity: 2, RefillPerSec: 1},
	})
	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(snap))
	}
	if snap["b"].Capacity != 2 {
		t.Fatalf("Unexpected snapshot for b: %+v", snap["b"])
	}
}
