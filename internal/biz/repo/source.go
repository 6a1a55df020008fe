package repo

import (
	"context"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
)

// SourceRepo reads from the mention platform.
type SourceRepo interface {
	// GetNewMentions returns up to maxCount mentions newer than sinceID,
	// newest-first as the platform orders them. Empty sinceID means "from
	// the beginning of the account's visibility window".
	GetNewMentions(ctx context.Context, maxCount int, sinceID string) ([]*domain.Mention, error)

	// ResolveAccountID returns the bot's own account id, cached after the
	// first successful lookup.
	ResolveAccountID(ctx context.Context) (string, error)

	// Authenticated reports whether the last credential check succeeded.
	// Flips to false after a 401 and stays false until credentials reload.
	Authenticated() bool
}

// PosterRepo writes replies back to the mention platform.
type PosterRepo interface {
	// PostReply posts text as a reply to parentID and returns the new
	// status id.
	PostReply(ctx context.Context, parentID, text string) (string, error)
}
