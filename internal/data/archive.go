package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// archiveRepo records per-mention outcomes and holds the allow/deny list.
type archiveRepo struct {
	db *sql.DB
}

// NewArchiveRepo opens (or creates) the archive database.
func NewArchiveRepo(dbPath string) (repo.ArchiveRepo, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_mentions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mention_id TEXT UNIQUE NOT NULL,
			author TEXT,
			status TEXT NOT NULL,
			response_text TEXT,
			error TEXT,
			attempts INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create processed_mentions table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_processed_created ON processed_mentions(created_at)`)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS allow_list (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handle TEXT UNIQUE NOT NULL,
			note TEXT,
			added_by TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create allow_list table: %w", err)
	}

	fmt.Println("[Archive] Database initialized")
	return &archiveRepo{db: db}, nil
}

// RecordOutcome stores one mention's outcome. Re-recording the same mention
// id is ignored, so a redundant re-fetch never overwrites history.
func (r *archiveRepo) RecordOutcome(ctx context.Context, outcome *domain.ProcessingOutcome) error {
	createdAt := outcome.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_mentions (mention_id, author, status, response_text, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, outcome.MentionID, outcome.Author, string(outcome.Status), outcome.ResponseText, outcome.Error, outcome.Attempts, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns the most recent outcomes, newest first.
func (r *archiveRepo) RecentOutcomes(ctx context.Context, limit int) ([]*domain.ProcessingOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT mention_id, author, status, response_text, error, attempts, created_at
		FROM processed_mentions
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*domain.ProcessingOutcome
	for rows.Next() {
		var o domain.ProcessingOutcome
		var status string
		var createdAt int64
		if err := rows.Scan(&o.MentionID, &o.Author, &status, &o.ResponseText, &o.Error, &o.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = domain.OutcomeStatus(status)
		o.CreatedAt = time.Unix(createdAt, 0)
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

// AddToAllowList adds or replaces an allow/deny list entry.
func (r *archiveRepo) AddToAllowList(ctx context.Context, entry *domain.AllowListEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO allow_list (handle, note, added_by, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.Handle, entry.Note, entry.AddedBy, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add to allow list: %w", err)
	}
	fmt.Printf("[Archive] Added %s to allow list: %s\n", entry.Handle, entry.Note)
	return nil
}

// RemoveFromAllowList removes an entry by handle.
func (r *archiveRepo) RemoveFromAllowList(ctx context.Context, handle string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM allow_list WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("failed to remove from allow list: %w", err)
	}
	fmt.Printf("[Archive] Removed %s from allow list\n", handle)
	return nil
}

// GetAllowList returns all entries, newest first.
func (r *archiveRepo) GetAllowList(ctx context.Context) ([]*domain.AllowListEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, handle, note, added_by, created_at
		FROM allow_list
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allow list: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AllowListEntry
	for rows.Next() {
		var e domain.AllowListEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Handle, &e.Note, &e.AddedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allow list entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// OnAllowList checks membership by handle.
func (r *archiveRepo) OnAllowList(ctx context.Context, handle string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM allow_list WHERE handle = ?
	`, handle).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check allow list: %w", err)
	}
	return count > 0, nil
}

// Close closes the database.
func (r *archiveRepo) Close() error {
	return r.db.Close()
}
