// Package budget implements per-resource token-bucket accounting for every
// external call the relay makes (platform reads/writes, LLM requests and
// tokens, reply caps).
package budget

import (
	"context"
	"math"
	"sync"
	"time"
)

// Resource keys tracked by the relay. Callers may register additional keys.
const (
	ResourceRemoteRead  = "remote-read"
	ResourceRemoteWrite = "remote-write"
	ResourceLLMRequest  = "llm-request"
	ResourceLLMTokens   = "llm-tokens"
	ResourceRepliesHour = "replies-hour"
	ResourceRepliesDay  = "replies-day"
)

// minProbeWait keeps blocked acquirers from busy-looping on coarse clocks.
const minProbeWait = 10 * time.Millisecond

// Limit describes one bucket: burst capacity and continuous refill rate.
type Limit struct {
	Capacity     float64
	RefillPerSec float64
}

// Decision is the answer to a non-blocking acquisition attempt.
type Decision struct {
	Allowed   bool
	Wait      time.Duration // how long until the debit would succeed
	Remaining float64
}

// Status is the operator-facing view of one bucket.
type Status struct {
	Remaining float64   `json:"remaining"`
	Capacity  float64   `json:"capacity"`
	ResetAt   time.Time `json:"reset_at"`
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	resetAt    time.Time // server-observed window reset, if fed back
}

// Tracker holds one lazy token bucket per named resource. Buckets are
// created on first use from registered limits; unregistered resources are
// unlimited.
type Tracker struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*bucket
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker with the given per-resource limits.
func NewTracker(limits map[string]Limit) *Tracker {
	t := &Tracker{
		limits:  make(map[string]Limit, len(limits)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for k, v := range limits {
		t.limits[k] = v
	}
	return t
}

// SetLimit registers or replaces the limit for a resource. An existing
// bucket keeps its current fill but adopts the new capacity and rate.
func (t *Tracker) SetLimit(resource string, limit Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[resource] = limit
	if b, ok := t.buckets[resource]; ok {
		b.mu.Lock()
		b.capacity = limit.Capacity
		b.refillRate = limit.RefillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.mu.Unlock()
	}
}

func (t *Tracker) bucketFor(resource string) (*bucket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[resource]; ok {
		return b, true
	}
	limit, ok := t.limits[resource]
	if !ok {
		return nil, false
	}
	b := &bucket{
		tokens:     limit.Capacity,
		capacity:   limit.Capacity,
		refillRate: limit.RefillPerSec,
		lastRefill: t.now(),
	}
	t.buckets[resource] = b
	return b, true
}

// refillLocked tops the bucket up for elapsed wall time. Caller holds b.mu.
func (t *Tracker) refillLocked(b *bucket) {
	now := t.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// TryAcquire attempts to debit tokens from resource without blocking.
func (t *Tracker) TryAcquire(resource string, tokens float64) Decision {
	b, ok := t.bucketFor(resource)
	if !ok {
		return Decision{Allowed: true, Remaining: math.Inf(1)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t.refillLocked(b)

	if b.tokens >= tokens {
		b.tokens -= tokens
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	needed := tokens - b.tokens
	var wait time.Duration
	if b.refillRate > 0 {
		wait = time.Duration(math.Ceil(needed/b.refillRate*1000)) * time.Millisecond
	} else if !b.resetAt.IsZero() {
		wait = b.resetAt.Sub(t.now())
	} else {
		wait = time.Hour // capacity zero and no refill: effectively closed
	}
	return Decision{Allowed: false, Wait: wait, Remaining: b.tokens}
}

// Acquire blocks until tokens are debited from resource or ctx is done.
func (t *Tracker) Acquire(ctx context.Context, resource string, tokens float64) error {
	for {
		d := t.TryAcquire(resource, tokens)
		if d.Allowed {
			return nil
		}
		wait := d.Wait
		if wait < minProbeWait {
			wait = minProbeWait
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Status reports the current fill of a resource. Unregistered resources
// report as unlimited.
func (t *Tracker) Status(resource string) Status {
	b, ok := t.bucketFor(resource)
	if !ok {
		return Status{Remaining: math.Inf(1), Capacity: math.Inf(1)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t.refillLocked(b)
	return Status{Remaining: b.tokens, Capacity: b.capacity, ResetAt: b.resetAt}
}

// Reset restores a resource to full capacity.
func (t *Tracker) Reset(resource string) {
	b, ok := t.bucketFor(resource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = t.now()
	b.resetAt = time.Time{}
}

// SetRemaining overrides local accounting with server-observed truth, e.g.
// from X-RateLimit-Remaining / X-RateLimit-Reset response headers.
func (t *Tracker) SetRemaining(resource string, remaining float64, resetAt time.Time) {
	b, ok := t.bucketFor(resource)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	if remaining > b.capacity {
		remaining = b.capacity
	}
	b.tokens = remaining
	b.lastRefill = t.now()
	b.resetAt = resetAt
}

// Snapshot returns the status of every registered resource.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.Lock()
	keys := make([]string, 0, len(t.limits))
	for k := range t.limits {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	out := make(map[string]Status, len(keys))
	for _, k := range keys {
		out[k] = t.Status(k)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
