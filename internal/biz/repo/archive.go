package repo

import (
	"context"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
)

// ArchiveRepo records per-mention outcomes and holds the allow/deny list.
type ArchiveRepo interface {
	RecordOutcome(ctx context.Context, outcome *domain.ProcessingOutcome) error
	RecentOutcomes(ctx context.Context, limit int) ([]*domain.ProcessingOutcome, error)

	AddToAllowList(ctx context.Context, entry *domain.AllowListEntry) error
	RemoveFromAllowList(ctx context.Context, handle string) error
	GetAllowList(ctx context.Context) ([]*domain.AllowListEntry, error)
	OnAllowList(ctx context.Context, handle string) (bool, error)

	Close() error
}
