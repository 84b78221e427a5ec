package provider

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockService() *AIService {
	return NewAIService(AIServiceConfig{Logger: testLogger()})
}

func TestAIService_MockMode(t *testing.T) {
	svc := mockService()
	if !svc.Mock() {
		t.Fatal("service without API key should run in mock mode")
	}

	reply, err := svc.TextResponse(context.Background(), "1", "hello there")
	if err != nil {
		t.Fatalf("mock text response: %v", err)
	}
	if reply == "" {
		t.Error("mock mode must still produce a reply")
	}
}

func TestAIService_MockCreativeVerse(t *testing.T) {
	svc := mockService()
	reply, err := svc.CreativeResponse(context.Background(), "Write a short poem about rain")
	if err != nil {
		t.Fatalf("mock creative response: %v", err)
	}
	if !strings.Contains(reply, "\n") {
		t.Errorf("verse request should produce multi-line output, got %q", reply)
	}
}

func TestAIService_MockCreativeStudioPrompt(t *testing.T) {
	svc := mockService()
	reply, err := svc.CreativeResponse(context.Background(), "Describe a music track about the sea")
	if err != nil {
		t.Fatalf("mock creative response: %v", err)
	}
	if reply == "" {
		t.Error("music prompt should produce a description")
	}
}

func TestReplyCache_ExactKeying(t *testing.T) {
	c := newReplyCache()
	c.put(cacheKey("text", "hello"), "reply one")

	if _, ok := c.get(cacheKey("text", "hello world")); ok {
		t.Error("different content must not hit the cache")
	}
	if _, ok := c.get(cacheKey("creative", "hello")); ok {
		t.Error("same content under a different kind must not collide")
	}

	got, ok := c.get(cacheKey("text", "  hello  "))
	if !ok {
		t.Fatal("whitespace-normalized content should hit the cache")
	}
	if got != "reply one" {
		t.Errorf("got %q, want %q", got, "reply one")
	}
}

func TestRetryable(t *testing.T) {
	if retryable(context.Canceled) {
		t.Error("context cancellation must not be retried")
	}
	if retryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded must not be retried")
	}
}

func TestSpeechService_Unconfigured(t *testing.T) {
	svc := NewSpeechService(SpeechServiceConfig{Logger: testLogger()})
	if svc.Available() {
		t.Fatal("service without API key should not be available")
	}
	if _, err := svc.Transcribe(context.Background(), "nope.ogg"); err == nil {
		t.Error("transcribe without backend should fail")
	}
	if err := svc.Synthesize(context.Background(), "hi", "out.mp3"); err == nil {
		t.Error("synthesize without backend should fail")
	}
}
