package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"versebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "telegram", SenderID: "1", Kind: domain.KindText, Text: "hi"})

	select {
	case msg := <-b.Subscribe():
		if msg.Text != "hi" {
			t.Errorf("expected 'hi', got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()

	// Must not panic.
	b.Publish(domain.InboundMessage{Channel: "telegram", Text: "late"})
}

func TestOutboundRouting(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		got <- msg
	})

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "42", Reply: domain.TextReply("pong")})

	select {
	case msg := <-got:
		if msg.Reply == nil || msg.Reply.Text != "pong" {
			t.Errorf("unexpected reply: %+v", msg.Reply)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound handler not called")
	}
}

func TestOutboundUnknownChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	// No handler registered, must not panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "missing", Reply: domain.TextReply("x")})
}
