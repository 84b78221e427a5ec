package config

import (
	"os"
	"path/filepath"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			TempDir:               filepath.Join(os.TempDir(), "versebot"),
			MaxConcurrentMessages: 5,
		},
		Telegram: TelegramConfig{
			Token:     "${TELEGRAM_BOT_TOKEN}",
			ParseMode: "Markdown",
		},
		AI: AIConfig{
			Model:          "gpt-4o-mini",
			CreativeModel:  "gpt-4o",
			MaxTokens:      800,
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		Speech: SpeechConfig{
			WhisperModel:   "whisper-1",
			TTSModel:       "tts-1",
			TTSVoice:       "alloy",
			TimeoutSeconds: 120,
		},
		Studio: StudioConfig{
			Enabled:        false,
			BaseURL:        "https://suno.com",
			Headless:       true,
			MaxAttempts:    3,
			TimeoutMinutes: 5,
		},
		Storage: StorageConfig{
			DBPath: "~/.versebot/versebot.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9091",
		},
	}
}
