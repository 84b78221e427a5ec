package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for versebot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Telegram TelegramConfig `json:"telegram"`
	AI       AIConfig       `json:"ai"`
	Speech   SpeechConfig   `json:"speech"`
	Studio   StudioConfig   `json:"studio"`
	Storage  StorageConfig  `json:"storage"`
	Routing  RoutingConfig  `json:"routing"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	TempDir               string `json:"tempDir,omitempty"` // base for per-handler scratch dirs
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

type TelegramConfig struct {
	Token     string   `json:"token"` // usually ${TELEGRAM_BOT_TOKEN}
	AllowFrom []string `json:"allowFrom,omitempty"`
	ParseMode string   `json:"parseMode"`
}

// AIConfig configures the language-model provider. When APIKey is empty the
// service degrades to a local mock provider instead of failing.
type AIConfig struct {
	APIBase        string  `json:"apiBase,omitempty"`
	APIKey         string  `json:"apiKey,omitempty"`
	Model          string  `json:"model,omitempty"`
	CreativeModel  string  `json:"creativeModel,omitempty"`
	MaxTokens      int     `json:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"`
}

// SpeechConfig configures speech-to-text and text-to-speech.
type SpeechConfig struct {
	WhisperModel   string `json:"whisperModel,omitempty"`
	Language       string `json:"language,omitempty"` // ISO-639-1, hint for transcription
	TTSModel       string `json:"ttsModel,omitempty"`
	TTSVoice       string `json:"ttsVoice,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// StudioConfig configures browser automation against the music studio site.
type StudioConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"baseUrl,omitempty"`
	ProfileDir     string `json:"profileDir,omitempty"` // Chrome profile (persists login cookies)
	Headless       bool   `json:"headless"`
	MaxAttempts    int    `json:"maxAttempts,omitempty"`
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
	LoginEmail     string `json:"loginEmail,omitempty"`
	LoginPassword  string `json:"loginPassword,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

// RoutingConfig points at an optional YAML rules file; compiled-in defaults
// are used when the path is empty or the file is missing.
type RoutingConfig struct {
	RulesPath string `json:"rulesPath,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // host:port for the /metrics endpoint
}

// DefaultConfigDir returns the default config directory (~/.versebot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".versebot"
	}
	return filepath.Join(home, ".versebot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads and parses the config file. It does not validate: secrets from
// the environment are overlaid after loading, so a token the file leaves
// empty is not an error yet. Callers run Validate after LoadSecrets.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.TempDir = ExpandPath(cfg.General.TempDir)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Studio.ProfileDir = ExpandPath(cfg.Studio.ProfileDir)
	cfg.Routing.RulesPath = ExpandPath(cfg.Routing.RulesPath)

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. The Telegram token is the
// single required secret; its absence is fatal at startup.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Telegram.Token == "" || strings.HasPrefix(cfg.Telegram.Token, "${") {
		errs = append(errs, "telegram.token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		errs = append(errs, "ai.temperature must be between 0 and 2")
	}
	if cfg.Studio.MaxAttempts < 1 || cfg.Studio.MaxAttempts > 10 {
		errs = append(errs, "studio.maxAttempts must be between 1 and 10")
	}
	if cfg.Studio.TimeoutMinutes < 1 {
		errs = append(errs, "studio.timeoutMinutes must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
