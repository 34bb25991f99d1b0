package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailwatch.db"`

	// HTTP
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	WebhookToken  string `env:"WEBHOOK_TOKEN"` // Shared secret expected in ?token=

	// Google OAuth and push (checked when used, not at startup)
	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string   `env:"GOOGLE_REDIRECT_URL"`
	PubSubTopic        string   `env:"GOOGLE_PUBSUB_TOPIC"` // projects/<project>/topics/<topic>
	WatchLabelIDs      []string `env:"WATCH_LABEL_IDS" envDefault:"INBOX" envSeparator:","`

	// Pipeline
	DedupTTL            time.Duration `env:"DEDUP_TTL" envDefault:"5m"`
	DedupSweepInterval  time.Duration `env:"DEDUP_SWEEP_INTERVAL" envDefault:"1m"`
	ProcessTimeout      time.Duration `env:"PROCESS_TIMEOUT" envDefault:"2m"`
	ProviderCallTimeout time.Duration `env:"PROVIDER_CALL_TIMEOUT" envDefault:"30s"`

	// Watch renewal
	RenewInterval time.Duration `env:"RENEW_INTERVAL" envDefault:"30m"`
	RenewWithin   time.Duration `env:"RENEW_WITHIN" envDefault:"60m"`

	// Telegram (optional)
	TelegramToken   string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID  int64  `env:"TELEGRAM_CHAT_ID"`
	TelegramTopicID int    `env:"TELEGRAM_TOPIC_ID"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// OAuthConfigured returns true if the OAuth client is configured
func (c *Config) OAuthConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// TelegramEnabled returns true if the Telegram bot is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	// 32 bytes for AES-256
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL must be positive")
	}
	if c.DedupSweepInterval <= 0 {
		return fmt.Errorf("DEDUP_SWEEP_INTERVAL must be positive")
	}
	if c.RenewInterval <= 0 {
		return fmt.Errorf("RENEW_INTERVAL must be positive")
	}
	if c.ProcessTimeout <= 0 {
		return fmt.Errorf("PROCESS_TIMEOUT must be positive")
	}
	if c.TelegramEnabled() && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.PubSubTopic != "" && !strings.HasPrefix(c.PubSubTopic, "projects/") {
		return fmt.Errorf("GOOGLE_PUBSUB_TOPIC must look like projects/<project>/topics/<topic>")
	}
	return nil
}
