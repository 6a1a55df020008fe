package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
)

// stateRepo is the write-through JSON state store. Every mutation
// re-serializes the whole structure before returning, so a crash can only
// lose the single in-flight write.
type stateRepo struct {
	path  string
	mu    sync.RWMutex
	state *domain.PersistentState
}

// NewStateRepo loads persistent state from path, falling back to defaults
// when the file is missing (first run) or unreadable/corrupt. A corrupt
// state file is logged and replaced on the next write, never a crash.
func NewStateRepo(path string) (repo.StateRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	r := &stateRepo{path: path, state: domain.NewPersistentState()}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		fmt.Printf("[State] No state file at %s, starting fresh\n", path)
	case err != nil:
		fmt.Printf("[State] Cannot read %s (%v), starting fresh\n", path, err)
	default:
		loaded := domain.NewPersistentState()
		if err := json.Unmarshal(raw, loaded); err != nil {
			fmt.Printf("[State] Corrupt state file %s (%v), starting fresh\n", path, err)
		} else {
			if loaded.ResourceRemaining == nil {
				loaded.ResourceRemaining = make(map[string]int)
			}
			if loaded.ResourceResetAt == nil {
				loaded.ResourceResetAt = make(map[string]time.Time)
			}
			r.state = loaded
			fmt.Printf("[State] Loaded state, last seen mention: %q\n", loaded.LastSeenMentionID)
		}
	}
	return r, nil
}

// saveLocked persists the whole state. Caller holds the write lock.
func (r *stateRepo) saveLocked() error {
	r.state.LastUpdated = time.Now()
	raw, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(r.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (r *stateRepo) LastSeenID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.LastSeenMentionID
}

func (r *stateRepo) SetLastSeenID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The marker only ever moves to an id returned by the most recent
	// fetch; it is never moved backward.
	if id < r.state.LastSeenMentionID {
		return nil
	}
	r.state.LastSeenMentionID = id
	return r.saveLocked()
}

func (r *stateRepo) AccountID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.CachedAccountID
}

func (r *stateRepo) SetAccountID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.CachedAccountID = id
	return r.saveLocked()
}

func (r *stateRepo) RemainingFor(resource string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ResourceRemaining[resource]
}

func (r *stateRepo) ResetAtFor(resource string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ResourceResetAt[resource]
}

func (r *stateRepo) UpdateRemaining(resource string, remaining int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ResourceRemaining[resource] = remaining
	return r.saveLocked()
}

func (r *stateRepo) UpdateResetAt(resource string, resetAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ResourceResetAt[resource] = resetAt
	return r.saveLocked()
}

func (r *stateRepo) CanProceed(resource string, ceiling int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining, tracked := r.state.ResourceRemaining[resource]
	if !tracked || remaining > 0 {
		return true
	}

	// An unknown reset time counts as already passed, otherwise a 429
	// without a reset header would wedge the resource forever.
	resetAt := r.state.ResourceResetAt[resource]
	if !resetAt.IsZero() && time.Now().Before(resetAt) {
		return false
	}

	// Window has rolled over; optimistically restore the known ceiling.
	r.state.ResourceRemaining[resource] = ceiling
	delete(r.state.ResourceResetAt, resource)
	if err := r.saveLocked(); err != nil {
		fmt.Printf("[State] Failed to persist quota reset for %s: %v\n", resource, err)
	}
	return true
}

func (r *stateRepo) LastPollTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.LastPollTime
}

func (r *stateRepo) SetLastPollTime(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.LastPollTime = t
	return r.saveLocked()
}

func (r *stateRepo) Totals() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ProcessedTotal, r.state.FailedTotal
}

func (r *stateRepo) AddTotals(processed, failed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ProcessedTotal += processed
	r.state.FailedTotal += failed
	return r.saveLocked()
}
