package repo

import "time"

// StateRepo is the durable, write-through state store. Every setter
// persists before returning.
type StateRepo interface {
	LastSeenID() string
	SetLastSeenID(id string) error

	AccountID() string
	SetAccountID(id string) error

	RemainingFor(resource string) int
	ResetAtFor(resource string) time.Time
	UpdateRemaining(resource string, remaining int) error
	UpdateResetAt(resource string, resetAt time.Time) error

	// CanProceed is true when the server-observed quota for resource has
	// headroom, or its window has already reset (in which case remaining
	// is optimistically restored to ceiling and persisted).
	CanProceed(resource string, ceiling int) bool

	LastPollTime() time.Time
	SetLastPollTime(t time.Time) error

	Totals() (processed, failed int64)
	AddTotals(processed, failed int64) error
}
