package repo

import "context"

// GeneratorRepo produces reply text from a mention via the language model.
type GeneratorRepo interface {
	// Generate returns reply text for userMessage under systemPrompt,
	// already truncated to the platform character limit.
	Generate(ctx context.Context, systemPrompt, userMessage string) (string, error)
}
