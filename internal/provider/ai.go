package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"versebot/internal/metrics"
)

const (
	textSystemPrompt     = "You are a helpful assistant behind a chat bot. Answer briefly and to the point."
	creativeSystemPrompt = "You are a creative writing assistant. Produce original, imaginative content."

	creativeTemperature = 0.9
	aiMaxRetries        = 2
)

// AIServiceConfig configures the language-model service.
type AIServiceConfig struct {
	APIBase       string // optional OpenAI-compatible base URL
	APIKey        string // empty = mock mode
	Model         string
	CreativeModel string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	Logger        *slog.Logger
}

// AIService produces text and creative responses, caching replies by exact
// request content. Without an API key it degrades to canned local responses
// instead of failing.
type AIService struct {
	client        *openai.Client // nil in mock mode
	model         string
	creativeModel string
	maxTokens     int
	temperature   float64
	cache         *replyCache
	logger        *slog.Logger
}

func NewAIService(cfg AIServiceConfig) *AIService {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.CreativeModel == "" {
		cfg.CreativeModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}

	s := &AIService{
		model:         cfg.Model,
		creativeModel: cfg.CreativeModel,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		cache:         newReplyCache(),
		logger:        cfg.Logger,
	}

	if cfg.APIKey == "" {
		cfg.Logger.Warn("no AI API key configured, using mock responses")
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

// Mock reports whether the service runs without a real provider.
func (s *AIService) Mock() bool { return s.client == nil }

// TextResponse answers a plain user request.
func (s *AIService) TextResponse(ctx context.Context, senderID, text string) (string, error) {
	key := cacheKey("text", text)
	if cached, ok := s.cache.get(key); ok {
		s.logger.Debug("reply served from cache", "sender", senderID)
		return cached, nil
	}

	if s.client == nil {
		return s.mockTextResponse(text), nil
	}

	reply, err := s.chat(ctx, s.model, textSystemPrompt, text, s.temperature)
	if err != nil {
		return "", fmt.Errorf("text response: %w", err)
	}

	s.cache.put(key, reply)
	return reply, nil
}

// CreativeResponse answers a prompt that asks for original creative content
// (verse, studio prompts). Runs hotter than TextResponse.
func (s *AIService) CreativeResponse(ctx context.Context, prompt string) (string, error) {
	key := cacheKey("creative", prompt)
	if cached, ok := s.cache.get(key); ok {
		s.logger.Debug("creative reply served from cache")
		return cached, nil
	}

	if s.client == nil {
		return s.mockCreativeResponse(prompt), nil
	}

	reply, err := s.chat(ctx, s.creativeModel, creativeSystemPrompt, prompt, creativeTemperature)
	if err != nil {
		return "", fmt.Errorf("creative response: %w", err)
	}

	s.cache.put(key, reply)
	return reply, nil
}

// chat performs one chat completion with retry on transient provider errors.
func (s *AIService) chat(ctx context.Context, model, system, user string, temperature float64) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   s.maxTokens,
		Temperature: float32(temperature),
	}

	var content string
	op := func() error {
		start := time.Now()
		resp, err := s.client.CreateChatCompletion(ctx, req)
		metrics.ProviderLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("provider error, will retry", "error", err)
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("provider returned no choices"))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), aiMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return content, nil
}

// retryable reports whether a provider error is transient (rate limit, 5xx,
// network failure).
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Non-API errors are network-level; retry them.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *AIService) mockTextResponse(text string) string {
	return fmt.Sprintf("I received your request: %q. This is a canned reply because no AI provider is configured.", truncate(text, 50))
}

func (s *AIService) mockCreativeResponse(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "poem") || strings.Contains(lower, "verse") || strings.Contains(lower, "rhyme"):
		return "Thoughts take wing like birds in flight,\n" +
			"Words find shape in fading light.\n" +
			"Though a machine composed this rhyme,\n" +
			"It beats its heart in four-four time."
	case strings.Contains(lower, "music") || strings.Contains(lower, "song") ||
		strings.Contains(lower, "track") || strings.Contains(lower, "melody"):
		return "An atmospheric composition blending electronic textures with classical piano. " +
			"Slow tempo, deep bass, a dreamy melody. Mood: reflective with a note of hope."
	default:
		return fmt.Sprintf("A creative take on %q. Canned reply: no AI provider is configured.", truncate(prompt, 50))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// replyCache maps exact normalized request content to a reply. Keying by the
// full string (not a hash) prevents unrelated requests from colliding.
type replyCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newReplyCache() *replyCache {
	return &replyCache{entries: make(map[string]string)}
}

func cacheKey(kind, text string) string {
	return kind + "\x00" + strings.TrimSpace(text)
}

func (c *replyCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *replyCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}
