package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// SpeechServiceConfig configures transcription and synthesis.
type SpeechServiceConfig struct {
	APIBase      string
	APIKey       string
	WhisperModel string
	Language     string // ISO-639-1 hint, empty = autodetect
	TTSModel     string
	TTSVoice     string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// SpeechService converts voice notes to text and text back to speech.
type SpeechService struct {
	client       *openai.Client
	whisperModel string
	language     string
	ttsModel     string
	ttsVoice     string
	logger       *slog.Logger
}

func NewSpeechService(cfg SpeechServiceConfig) *SpeechService {
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = string(openai.VoiceAlloy)
	}

	s := &SpeechService{
		whisperModel: cfg.WhisperModel,
		language:     cfg.Language,
		ttsModel:     cfg.TTSModel,
		ttsVoice:     cfg.TTSVoice,
		logger:       cfg.Logger,
	}

	if cfg.APIKey == "" {
		cfg.Logger.Warn("no speech API key configured, voice features disabled")
		return s
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	clientCfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	s.client = openai.NewClientWithConfig(clientCfg)
	return s
}

// Available reports whether a speech backend is configured.
func (s *SpeechService) Available() bool { return s.client != nil }

// Transcribe converts an audio file to text. An empty transcript is an error:
// downstream handlers have nothing to act on.
func (s *SpeechService) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("speech service not configured")
	}

	start := time.Now()
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.whisperModel,
		FilePath: audioPath,
		Language: s.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("transcription produced no text")
	}

	s.logger.Debug("audio transcribed",
		"duration", time.Since(start).Round(time.Millisecond),
		"chars", len(text))
	return text, nil
}

// Synthesize renders text to speech and writes the audio to outPath.
func (s *SpeechService) Synthesize(ctx context.Context, text, outPath string) error {
	if s.client == nil {
		return fmt.Errorf("speech service not configured")
	}

	start := time.Now()
	stream, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.SpeechModel(s.ttsModel),
		Input: text,
		Voice: openai.SpeechVoice(s.ttsVoice),
	})
	if err != nil {
		return fmt.Errorf("speech synthesis: %w", err)
	}
	defer stream.Close()

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("cannot create audio file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, stream)
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("cannot write audio file: %w", err)
	}

	s.logger.Debug("speech synthesized",
		"duration", time.Since(start).Round(time.Millisecond),
		"bytes", n, "path", outPath)
	return nil
}
