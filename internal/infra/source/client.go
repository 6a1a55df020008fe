// Package source is the adapter for the mention platform's REST API. It
// covers both the read side (mentions, account lookup) and the write side
// (reply posting), sharing one authenticated HTTP client and one budget
// tracker between them.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/budget"
)

// Client talks to the mention platform. It consults the budget tracker
// before every network call and feeds response rate-limit headers back into
// the tracker and the durable state store.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	budget *budget.Tracker
	state  repo.StateRepo

	readCeiling  int
	writeCeiling int

	unauthenticated atomic.Bool
}

// NewClient creates a platform client.
func NewClient(baseURL, token string, tracker *budget.Tracker, state repo.StateRepo, readCeiling, writeCeiling int) *Client {
	return &Client{
		BaseURL:      baseURL,
		Token:        token,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		budget:       tracker,
		state:        state,
		readCeiling:  readCeiling,
		writeCeiling: writeCeiling,
	}
}

var (
	_ repo.SourceRepo = (*Client)(nil)
	_ repo.PosterRepo = (*Client)(nil)
)

// Authenticated reports whether the last credential check succeeded.
func (c *Client) Authenticated() bool {
	return !c.unauthenticated.Load()
}

// GetNewMentions returns up to maxCount mentions newer than sinceID,
// newest-first as the platform orders them.
func (c *Client) GetNewMentions(ctx context.Context, maxCount int, sinceID string) ([]*domain.Mention, error) {
	url := fmt.Sprintf("%s/mentions?limit=%d", c.BaseURL, maxCount)
	if sinceID != "" {
		url += "&since_id=" + sinceID
	}

	var payload []apiMention
	if err := c.call(ctx, http.MethodGet, url, budget.ResourceRemoteRead, c.readCeiling, nil, &payload); err != nil {
		return nil, err
	}

	mentions := make([]*domain.Mention, 0, len(payload))
	for _, m := range payload {
		mentions = append(mentions, &domain.Mention{
			ID:        m.ID,
			Text:      m.Text,
			Author:    m.Author.Handle,
			CreatedAt: m.CreatedAt,
		})
	}
	return mentions, nil
}

// ResolveAccountID returns the bot's own account id. The first successful
// lookup is cached in the durable state store, so the network round trip
// happens at most once per deployment, not per process.
func (c *Client) ResolveAccountID(ctx context.Context) (string, error) {
	if cached := c.state.AccountID(); cached != "" {
		return cached, nil
	}

	var account apiAccount
	if err := c.call(ctx, http.MethodGet, c.BaseURL+"/accounts/me", budget.ResourceRemoteRead, c.readCeiling, nil, &account); err != nil {
		return "", err
	}
	if account.ID == "" {
		return "", &domain.ValidationError{Field: "account.id", Message: "empty in platform response"}
	}

	if err := c.state.SetAccountID(account.ID); err != nil {
		fmt.Printf("[Source] Failed to cache account id: %v\n", err)
	}
	return account.ID, nil
}

// PostReply posts text as a reply to parentID and returns the new status id.
func (c *Client) PostReply(ctx context.Context, parentID, text string) (string, error) {
	if parentID == "" {
		return "", &domain.ValidationError{Field: "parentID", Message: "empty"}
	}
	if text == "" {
		return "", &domain.ValidationError{Field: "text", Message: "empty"}
	}

	body, err := json.Marshal(map[string]string{
		"text":           text,
		"in_reply_to_id": parentID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode reply: %w", err)
	}

	var status apiStatus
	if err := c.call(ctx, http.MethodPost, c.BaseURL+"/statuses", budget.ResourceRemoteWrite, c.writeCeiling, body, &status); err != nil {
		return "", err
	}
	return status.ID, nil
}

// call runs one budgeted request and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, method, url, resource string, ceiling int, body []byte, out interface{}) error {
	if c.unauthenticated.Load() {
		return &domain.AuthenticationError{Resource: resource, Message: "client marked unauthenticated, reload credentials"}
	}

	// Server-observed quota first: if the platform told us we are out and
	// the window has not reset, skip the network round trip entirely.
	if !c.state.CanProceed(resource, ceiling) {
		return &domain.RateLimitedError{Resource: resource, ResetAt: c.state.ResetAtFor(resource)}
	}

	if err := c.budget.Acquire(ctx, resource, 1); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &domain.NetworkError{Resource: resource, Err: err}
	}
	defer resp.Body.Close()

	c.absorbRateHeaders(resource, resp)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.NetworkError{Resource: resource, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		resetAt := c.resetFrom(resp)
		if err := c.state.UpdateRemaining(resource, 0); err != nil {
			fmt.Printf("[Source] Failed to persist quota exhaustion: %v\n", err)
		}
		// A 429 often carries only Retry-After, which absorbRateHeaders
		// skips; record the reset here so CanProceed holds the line until
		// the window actually rolls over.
		if !resetAt.IsZero() {
			c.budget.SetRemaining(resource, 0, resetAt)
			if err := c.state.UpdateResetAt(resource, resetAt); err != nil {
				fmt.Printf("[Source] Failed to persist quota reset time: %v\n", err)
			}
		}
		return &domain.RateLimitedError{Resource: resource, ResetAt: resetAt}

	case resp.StatusCode == http.StatusUnauthorized:
		c.unauthenticated.Store(true)
		fmt.Printf("[Source] Credentials rejected (401), marking client unauthenticated\n")
		return &domain.AuthenticationError{Resource: resource, Message: readErrorMessage(resp)}

	case resp.StatusCode == http.StatusForbidden:
		return &domain.QuotaExceededError{Resource: resource, Message: readErrorMessage(resp)}

	default:
		return &domain.APIError{Resource: resource, StatusCode: resp.StatusCode, Message: readErrorMessage(resp)}
	}
}

// absorbRateHeaders feeds X-RateLimit-Remaining / X-RateLimit-Reset back
// into the budget tracker and state store so future checks reflect the
// server's view rather than only local accounting.
func (c *Client) absorbRateHeaders(resource string, resp *http.Response) {
	remainingHdr := resp.Header.Get("X-RateLimit-Remaining")
	if remainingHdr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingHdr)
	if err != nil {
		return
	}

	resetAt := c.resetFrom(resp)
	c.budget.SetRemaining(resource, float64(remaining), resetAt)
	if err := c.state.UpdateRemaining(resource, remaining); err != nil {
		fmt.Printf("[Source] Failed to persist remaining quota: %v\n", err)
	}
	if !resetAt.IsZero() {
		if err := c.state.UpdateResetAt(resource, resetAt); err != nil {
			fmt.Printf("[Source] Failed to persist quota reset time: %v\n", err)
		}
	}
}

// resetFrom parses the reset timestamp, trying X-RateLimit-Reset (unix
// seconds) then Retry-After (delay seconds).
func (c *Client) resetFrom(resp *http.Response) time.Time {
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

func readErrorMessage(resp *http.Response) string {
	var payload apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(resp.StatusCode)
}
