package openai

import (
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"fits exactly", "hello", 5, "hello"},
		{"shorter than limit", "hi", 500, "hi"},
		{"cut with ellipsis", "This is a long reply", 10, "This is..."},
		{"zero limit disables truncation", "anything goes", 0, "anything goes"},
		{"negative limit disables truncation", "anything goes", -1, "anything goes"},
		{"tiny limit returns bare prefix", "hello", 3, "hel"},
		{"limit four leaves one char", "hello", 4, "h..."},
		{"empty text", "", 10, ""},
		{"multibyte counted in runes", "ééééééééééé", 10, "ééééééé..."},
		{"multibyte fits", "éééééééééé", 10, "éééééééééé"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Truncate(c.text, c.limit); got != c.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", c.text, c.limit, got, c.want)
			}
		})
	}
}

func TestTruncate_NeverExceedsLimit(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	for limit := 1; limit < len(text)+5; limit++ {
		if got := Truncate(text, limit); len(got) > limit {
			t.Fatalf("Truncate(_, %d) produced %d chars: %q", limit, len(got), got)
		}
	}
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	text := "éé日本語テスト 🙂 mixed réply"
	for limit := 1; limit < utf8.RuneCountInString(text)+5; limit++ {
		got := Truncate(text, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("Truncate(_, %d) produced invalid UTF-8: %q", limit, got)
		}
		if n := utf8.RuneCountInString(got); n > limit {
			t.Fatalf("Truncate(_, %d) produced %d runes: %q", limit, n, got)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	// 40 chars of prompt -> 10 estimated plus the response allowance.
	got := EstimateTokens("12345678901234567890", "12345678901234567890")
	if got != 10+responseTokenAllowance {
		t.Fatalf("Expected %d, got %d", 10+responseTokenAllowance, got)
	}

	if got := EstimateTokens("", ""); got != responseTokenAllowance {
		t.Fatalf("Empty prompt should still reserve the response allowance, got %d", got)
	}
}

func TestTranslateError(t *testing.T) {
	rl := translateError(&openai.APIError{HTTPStatusCode: 429, Message: "Rate limit reached. Please try again in 20s."})
	var rateLimited *domain.RateLimitedError
	if !errors.As(rl, &rateLimited) {
		t.Fatalf("Expected RateLimitedError for 429, got %T", rl)
	}
	wait := time.Until(rateLimited.ResetAt)
	if wait < 15*time.Second || wait > 25*time.Second {
		t.Fatalf("Expected ~20s reset from message, got %v", wait)
	}

	var auth *domain.AuthenticationError
	if err := translateError(&openai.APIError{HTTPStatusCode: 401, Message: "bad key"}); !errors.As(err, &auth) {
		t.Fatalf("Expected AuthenticationError for 401, got %T", err)
	}

	var quota *domain.QuotaExceededError
	if err := translateError(&openai.APIError{HTTPStatusCode: 403, Message: "billing"}); !errors.As(err, &quota) {
		t.Fatalf("Expected QuotaExceededError for 403, got %T", err)
	}

	var apiErr *domain.APIError
	if err := translateError(&openai.APIError{HTTPStatusCode: 500, Message: "boom"}); !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("Expected APIError 500, got %v", err)
	}

	var netErr *domain.NetworkError
	if err := translateError(errors.New("connection refused")); !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError for transport failure, got %T", err)
	}
}

func TestRetryAfterFrom_FallsBackTo30s(t *testing.T) {
	got := retryAfterFrom(&openai.APIError{Message: "Rate limit reached."})
	wait := time.Until(got)
	if wait < 25*time.Second || wait > 35*time.Second {
		t.Fatalf("Expected ~30s fallback, got %v", wait)
	}
}
