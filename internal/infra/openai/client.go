// Package openai is the adapter for the reply-generation LLM behind an
// OpenAI-compatible chat completion API.
package openai

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/budget"
)

const (
	// responseTokenAllowance is reserved on top of the prompt estimate for
	// the model's output.
	responseTokenAllowance = 512

	resource = "llm"
)

// Client generates replies through an OpenAI-compatible endpoint. Before
// each call it blocking-acquires one llm-request slot and the estimated
// token cost, in that fixed order at every call site.
type Client struct {
	client    *openai.Client
	model     string
	budget    *budget.Tracker
	maxLength int
}

var _ repo.GeneratorRepo = (*Client)(nil)

// NewClient creates a generator client. baseURL may be empty for the
// default OpenAI endpoint; maxLength is the platform reply character limit.
func NewClient(apiKey, baseURL, model string, tracker *budget.Tracker, maxLength int) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Client{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		budget:    tracker,
		maxLength: maxLength,
	}
}

// SetMaxLength updates the truncation limit (config changes between cycles).
func (c *Client) SetMaxLength(n int) {
	c.maxLength = n
}

// Generate returns reply text for userMessage under systemPrompt, truncated
// to the platform character limit.
func (c *Client) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	estimate := EstimateTokens(systemPrompt, userMessage)

	if err := c.budget.Acquire(ctx, budget.ResourceLLMRequest, 1); err != nil {
		return "", err
	}
	if err := c.budget.Acquire(ctx, budget.ResourceLLMTokens, float64(estimate)); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
		Temperature: 0.7,
		MaxTokens:   responseTokenAllowance,
	})
	if err != nil {
		return "", translateError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &domain.APIError{Resource: resource, StatusCode: 200, Message: "no response choices"}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return Truncate(text, c.maxLength), nil
}

// EstimateTokens approximates the prompt token cost: characters/4 plus the
// fixed response allowance.
func EstimateTokens(systemPrompt, userMessage string) int {
	return (len(systemPrompt)+len(userMessage))/4 + responseTokenAllowance
}

// Truncate cuts text to limit characters, replacing the last 3 with "..."
// when a cut happens. Limits under 4 return the bare prefix. The limit is
// counted in runes so a cut never splits a multibyte character.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// translateError maps go-openai errors onto the relay's error taxonomy.
func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return &domain.RateLimitedError{Resource: resource, ResetAt: retryAfterFrom(apiErr)}
		case 401:
			return &domain.AuthenticationError{Resource: resource, Message: apiErr.Message}
		case 403:
			return &domain.QuotaExceededError{Resource: resource, Message: apiErr.Message}
		default:
			return &domain.APIError{Resource: resource, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &domain.APIError{Resource: resource, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}

	return &domain.NetworkError{Resource: resource, Err: err}
}

// retryAfterFrom digs a retry delay out of a 429. The API reports it in the
// error message ("Please try again in 20s") when headers are unavailable;
// fall back to a flat 30s when nothing parses.
func retryAfterFrom(apiErr *openai.APIError) time.Time {
	msg := apiErr.Message
	if idx := strings.Index(msg, "try again in "); idx != -1 {
		rest := msg[idx+len("try again in "):]
		if end := strings.IndexAny(rest, "s. "); end > 0 {
			if secs, err := strconv.ParseFloat(rest[:end], 64); err == nil {
				return time.Now().Add(time.Duration(secs * float64(time.Second)))
			}
		}
	}
	return time.Now().Add(30 * time.Second)
}
