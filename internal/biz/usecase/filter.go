package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/conf"
)

// FilterDecision says whether a mention should get a reply and, if not, why.
type FilterDecision struct {
	Respond bool
	Reason  string
}

// FilterUsecase decides which mentions deserve a reply: local validation,
// required-tag presence, self-mention exclusion, allow/deny list.
type FilterUsecase struct {
	archive repo.ArchiveRepo
}

// NewFilterUsecase creates a filter backed by the allow/deny list in archive.
func NewFilterUsecase(archive repo.ArchiveRepo) *FilterUsecase {
	return &FilterUsecase{archive: archive}
}

// Check evaluates mention against cfg. A ValidationError is returned only
// for malformed local data; every policy miss is a silent skip with reason.
func (u *FilterUsecase) Check(ctx context.Context, mention *domain.Mention, cfg conf.BotConfig) (FilterDecision, error) {
	if mention.ID == "" {
		return FilterDecision{}, &domain.ValidationError{Field: "mention.id", Message: "empty"}
	}
	if mention.Author == "" {
		return FilterDecision{}, &domain.ValidationError{Field: "mention.author", Message: "empty"}
	}

	if equalHandle(mention.Author, cfg.AccountHandle) {
		return FilterDecision{Reason: "own account"}, nil
	}

	if cfg.RequiredTag != "" && !ContainsTag(mention.Text, cfg.RequiredTag) {
		return FilterDecision{Reason: fmt.Sprintf("missing required tag %q", cfg.RequiredTag)}, nil
	}

	if cfg.AllowListEnabled {
		listed, err := u.archive.OnAllowList(ctx, normalizeHandle(mention.Author))
		if err != nil {
			return FilterDecision{}, fmt.Errorf("allow list lookup: %w", err)
		}
		allowed := listed
		if cfg.AllowListMode == "deny" {
			allowed = !listed
		}
		if !allowed {
			return FilterDecision{Reason: fmt.Sprintf("sender blocked by %s list", cfg.AllowListMode)}, nil
		}
	}

	return FilterDecision{Respond: true}, nil
}

// ContainsTag reports whether text contains tag as a hashtag or bare word,
// case-insensitively. "#hey" and "hey" both match tag "hey".
func ContainsTag(text, tag string) bool {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.TrimPrefix(field, "#")
		field = strings.TrimFunc(field, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
		})
		if field == tag {
			return true
		}
	}
	return false
}

func equalHandle(a, b string) bool {
	return normalizeHandle(a) == normalizeHandle(b)
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
