package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config represents application configuration loaded once at startup.
type Config struct {
	// Source platform configuration
	Source SourceConfig

	// LLM configuration
	LLM LLMConfig

	// Storage configuration
	Storage StorageConfig

	// Operator API configuration
	API APIConfig

	// Bot behavior (re-read by the scheduler every poll cycle)
	Bot BotConfig

	// Debug mode
	Debug bool
}

// SourceConfig contains mention-platform configuration.
type SourceConfig struct {
	BaseURL     string
	AccessToken string

	// ReadsPerWindow / WritesPerWindow are the platform's documented rate
	// ceilings, used to size the local budget buckets.
	ReadsPerWindow  int
	WritesPerWindow int
	WindowSeconds   int
}

// LLMConfig contains language-model configuration.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	RequestsPerMinute int
	TokensPerMinute   int

	SystemPrompt string
}

// StorageConfig contains storage paths.
type StorageConfig struct {
	StatePath   string
	ArchivePath string
}

// APIConfig contains the operator HTTP API configuration.
type APIConfig struct {
	Port int
}

// BotConfig is the per-cycle behavior configuration. The scheduler re-reads
// it at the top of every poll cycle; edits take effect on the next cycle.
type BotConfig struct {
	Enabled            bool
	AccountHandle      string
	RequiredTag        string
	MaxResponseLength  int
	PollInterval       time.Duration
	MaxMentionsPerPoll int
	AllowListEnabled   bool
	AllowListMode      string // "allow" or "deny"
	MaxRepliesPerHour  int
	MaxRepliesPerDay   int
}

// Provider hands the scheduler the current bot configuration.
type Provider interface {
	BotConfig() BotConfig
}

// StaticProvider is a mutable, mutex-guarded Provider. The operator API can
// swap in updates between cycles; the scheduler never sees a torn config.
type StaticProvider struct {
	mu  sync.RWMutex
	cfg BotConfig
}

// NewStaticProvider creates a provider serving cfg.
func NewStaticProvider(cfg BotConfig) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

// BotConfig returns the current configuration snapshot.
func (p *StaticProvider) BotConfig() BotConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Update replaces the configuration; the scheduler picks it up next cycle.
func (p *StaticProvider) Update(cfg BotConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	statePath := os.Getenv("STATE_PATH")
	if statePath == "" {
		homeDir, _ := os.UserHomeDir()
		statePath = filepath.Join(homeDir, ".mention-relay", "state.json")
	}

	archivePath := os.Getenv("ARCHIVE_DB_PATH")
	if archivePath == "" {
		archivePath = filepath.Join(filepath.Dir(statePath), "archive.db")
	}

	systemPrompt := os.Getenv("SYSTEM_PROMPT")
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant replying to public mentions. Keep replies short, friendly, and self-contained."
	}

	return &Config{
		Source: SourceConfig{
			BaseURL:         envOr("SOURCE_BASE_URL", "https://api.example.social/api/v1"),
			AccessToken:     os.Getenv("SOURCE_ACCESS_TOKEN"),
			ReadsPerWindow:  envInt("SOURCE_READS_PER_WINDOW", 300),
			WritesPerWindow: envInt("SOURCE_WRITES_PER_WINDOW", 100),
			WindowSeconds:   envInt("SOURCE_WINDOW_SECONDS", 900),
		},
		LLM: LLMConfig{
			APIKey:            os.Getenv("LLM_API_KEY"),
			BaseURL:           os.Getenv("LLM_BASE_URL"),
			Model:             envOr("LLM_MODEL", "gpt-4o-mini"),
			RequestsPerMinute: envInt("LLM_REQUESTS_PER_MINUTE", 20),
			TokensPerMinute:   envInt("LLM_TOKENS_PER_MINUTE", 40000),
			SystemPrompt:      systemPrompt,
		},
		Storage: StorageConfig{
			StatePath:   statePath,
			ArchivePath: archivePath,
		},
		API: APIConfig{
			Port: envInt("API_PORT", 9810),
		},
		Bot: BotConfig{
			Enabled:            os.Getenv("BOT_ENABLED") != "false",
			AccountHandle:      os.Getenv("BOT_ACCOUNT_HANDLE"),
			RequiredTag:        os.Getenv("BOT_REQUIRED_TAG"),
			MaxResponseLength:  envInt("BOT_MAX_RESPONSE_LENGTH", 500),
			PollInterval:       time.Duration(envInt("BOT_POLL_INTERVAL_MS", 120000)) * time.Millisecond,
			MaxMentionsPerPoll: envInt("BOT_MAX_MENTIONS_PER_POLL", 20),
			AllowListEnabled:   os.Getenv("BOT_ALLOWLIST_ENABLED") == "true",
			AllowListMode:      envOr("BOT_ALLOWLIST_MODE", "deny"),
			MaxRepliesPerHour:  envInt("BOT_MAX_REPLIES_PER_HOUR", 30),
			MaxRepliesPerDay:   envInt("BOT_MAX_REPLIES_PER_DAY", 200),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Source.AccessToken == "" {
		return &ConfigError{Field: "SOURCE_ACCESS_TOKEN", Message: "required"}
	}
	if c.LLM.APIKey == "" {
		return &ConfigError{Field: "LLM_API_KEY", Message: "required"}
	}
	if c.Bot.AccountHandle == "" {
		return &ConfigError{Field: "BOT_ACCOUNT_HANDLE", Message: "required"}
	}
	if mode := c.Bot.AllowListMode; mode != "allow" && mode != "deny" {
		return &ConfigError{Field: "BOT_ALLOWLIST_MODE", Message: "must be \"allow\" or \"deny\""}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
