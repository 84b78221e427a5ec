package config

import (
	"fmt"

	"github.com/caarlos0/env/v9"
)

// Secrets are credentials read straight from the process environment. Only
// the Telegram token is mandatory; the others degrade gracefully (mock AI
// provider, studio login disabled).
type Secrets struct {
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN,notEmpty"`
	AIAPIKey      string `env:"OPENAI_API_KEY"`
	StudioEmail   string `env:"STUDIO_EMAIL"`
	StudioPass    string `env:"STUDIO_PASSWORD"`
}

// LoadSecrets parses the environment and overlays the result onto cfg,
// filling only fields the config file left empty or unexpanded.
func LoadSecrets(cfg *Config) (*Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if cfg.Telegram.Token == "" || cfg.Telegram.Token == "${TELEGRAM_BOT_TOKEN}" {
		cfg.Telegram.Token = s.TelegramToken
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = s.AIAPIKey
	}
	if cfg.Studio.LoginEmail == "" {
		cfg.Studio.LoginEmail = s.StudioEmail
	}
	if cfg.Studio.LoginPassword == "" {
		cfg.Studio.LoginPassword = s.StudioPass
	}
	return &s, nil
}
