package domain

import "time"

// Mention is an inbound item addressed to the bot's account. Immutable once
// fetched; IDs are opaque strings the platform orders lexicographically.
type Mention struct {
	ID        string
	Text      string
	Author    string
	CreatedAt time.Time
}

// OutcomeStatus classifies what happened to a mention.
type OutcomeStatus string

const (
	OutcomeReplied OutcomeStatus = "replied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ProcessingOutcome records the result of one mention's trip through the
// pipeline. Persisted to the archive for diagnostics; never used for retry.
type ProcessingOutcome struct {
	MentionID    string        `json:"mention_id"`
	Author       string        `json:"author"`
	Status       OutcomeStatus `json:"status"`
	ResponseText string        `json:"response_text,omitempty"`
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PersistentState is the durable snapshot the relay needs to resume polling
// after a restart without re-fetching already-seen mentions.
type PersistentState struct {
	LastSeenMentionID string               `json:"last_seen_mention_id"`
	CachedAccountID   string               `json:"cached_account_id"`
	ResourceRemaining map[string]int       `json:"resource_remaining"`
	ResourceResetAt   map[string]time.Time `json:"resource_reset_at"`
	LastPollTime      time.Time            `json:"last_poll_time"`
	ProcessedTotal    int64                `json:"processed_total"`
	FailedTotal       int64                `json:"failed_total"`
	LastUpdated       time.Time            `json:"last_updated"`
}

// NewPersistentState returns the first-run default state.
func NewPersistentState() *PersistentState {
	return &PersistentState{
		ResourceRemaining: make(map[string]int),
		ResourceResetAt:   make(map[string]time.Time),
	}
}

// AllowListEntry is one row of the allow/deny list.
type AllowListEntry struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle"`
	Note      string    `json:"note,omitempty"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
