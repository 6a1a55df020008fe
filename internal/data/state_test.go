package data

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestStateRepo_FirstRunDefaults(t *testing.T) {
	repo, err := NewStateRepo(tempStatePath(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if repo.LastSeenID() != "" {
		t.Fatalf("Expected empty last seen id on first run, got %q", repo.LastSeenID())
	}
	if repo.AccountID() != "" {
		t.Fatal("Expected empty account id on first run")
	}
	if !repo.LastPollTime().IsZero() {
		t.Fatal("Expected zero poll time on first run")
	}
}

func TestStateRepo_SurvivesRestart(t *testing.T) {
	path := tempStatePath(t)

	repo, err := NewStateRepo(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := repo.SetLastSeenID("1045"); err != nil {
		t.Fatalf("SetLastSeenID: %v", err)
	}
	if err := repo.SetAccountID("acct-99"); err != nil {
		t.Fatalf("SetAccountID: %v", err)
	}
	pollTime := time.Now().Truncate(time.Second)
	if err := repo.SetLastPollTime(pollTime); err != nil {
		t.Fatalf("SetLastPollTime: %v", err)
	}
	if err := repo.AddTotals(3, 1); err != nil {
		t.Fatalf("AddTotals: %v", err)
	}

	// Fresh instance over the same file simulates a process restart.
	reloaded, err := NewStateRepo(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := reloaded.LastSeenID(); got != "1045" {
		t.Fatalf("Expected last seen id to survive restart, got %q", got)
	}
	if got := reloaded.AccountID(); got != "acct-99" {
		t.Fatalf("Expected account id to survive restart, got %q", got)
	}
	if got := reloaded.LastPollTime(); !got.Equal(pollTime) {
		t.Fatalf("Expected poll time %v, got %v", pollTime, got)
	}
	processed, failed := reloaded.Totals()
	if processed != 3 || failed != 1 {
		t.Fatalf("Expected totals 3/1, got %d/%d", processed, failed)
	}
}

func TestStateRepo_MarkerNeverMovesBackward(t *testing.T) {
	repo, err := NewStateRepo(tempStatePath(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	repo.SetLastSeenID("200")
	repo.SetLastSeenID("150")
	if got := repo.LastSeenID(); got != "200" {
		t.Fatalf("Marker moved backward: %q", got)
	}
	repo.SetLastSeenID("201")
	if got := repo.LastSeenID(); got != "201" {
		t.Fatalf("Marker should advance forward, got %q", got)
	}
}

func TestStateRepo_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := tempStatePath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Seed corrupt file: %v", err)
	}

	repo, err := NewStateRepo(path)
	if err != nil {
		t.Fatalf("Corrupt state must not fail startup: %v", err)
	}
	if repo.LastSeenID() != "" {
		t.Fatal("Corrupt state must yield defaults")
	}

	// And the store must be writable afterwards.
	if err := repo.SetLastSeenID("5"); err != nil {
		t.Fatalf("Write after corrupt load: %v", err)
	}
}

func TestStateRepo_ResourceQuotas(t *testing.T) {
	path := tempStatePath(t)
	repo, err := NewStateRepo(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := repo.UpdateRemaining("remote-read", 7); err != nil {
		t.Fatalf("UpdateRemaining: %v", err)
	}
	resetAt := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	if err := repo.UpdateResetAt("remote-read", resetAt); err != nil {
		t.Fatalf("UpdateResetAt: %v", err)
	}

	reloaded, err := NewStateRepo(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := reloaded.RemainingFor("remote-read"); got != 7 {
		t.Fatalf("Expected remaining 7 after restart, got %d", got)
	}
	if got := reloaded.ResetAtFor("remote-read"); !got.Equal(resetAt) {
		t.Fatalf("Expected resetAt %v, got %v", resetAt, got)
	}
}

func TestStateRepo_CanProceed(t *testing.T) {
	repo, err := NewStateRepo(tempStatePath(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Untracked resource: proceed.
	if !repo.CanProceed("remote-read", 300) {
		t.Fatal("Untracked resource should proceed")
	}

	// Tracked with headroom: proceed.
	repo.UpdateRemaining("remote-read", 2)
	if !repo.CanProceed("remote-read", 300) {
		t.Fatal("Remaining > 0 should proceed")
	}

	// Exhausted with a future reset: blocked.
	repo.UpdateRemaining("remote-read", 0)
	repo.UpdateResetAt("remote-read", time.Now().Add(time.Hour))
	if repo.CanProceed("remote-read", 300) {
		t.Fatal("Exhausted quota before reset must block")
	}

	// Exhausted but the window has passed: optimistic reset to ceiling.
	repo.UpdateResetAt("remote-read", time.Now().Add(-time.Second))
	if !repo.CanProceed("remote-read", 300) {
		t.Fatal("Past reset time must unblock")
	}
	if got := repo.RemainingFor("remote-read"); got != 300 {
		t.Fatalf("Expected optimistic reset to ceiling 300, got %d", got)
	}
}
