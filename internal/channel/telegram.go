package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"versebot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	voiceDownloadTimeout   = 60 * time.Second
)

// HandlerInfo is what the transport needs to describe a handler in /help.
type HandlerInfo struct {
	Name        string
	Description string
}

// Telegram is the transport: it polls Telegram for updates, publishes inbound
// messages on the bus, and delivers replies (text and voice) back.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string
	tempDir   string // where downloaded voice notes land

	bot      *tgbotapi.BotAPI
	bus      domain.MessageBus
	store    domain.RecordStore
	handlers []HandlerInfo
	logger   *slog.Logger
	http     *http.Client
	download func(ctx context.Context, voice *tgbotapi.Voice) (string, error)
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string
	TempDir   string
	Store     domain.RecordStore
	Handlers  []HandlerInfo
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "versebot", "telegram")
	}
	t := &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		tempDir:   cfg.TempDir,
		store:     cfg.Store,
		handlers:  cfg.Handlers,
		logger:    cfg.Logger,
		http:      &http.Client{Timeout: voiceDownloadTimeout},
	}
	t.download = t.downloadVoice
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates. It blocks until
// the context is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	if err := os.MkdirAll(t.tempDir, 0o755); err != nil {
		return fmt.Errorf("telegram temp dir: %w", err)
	}

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		t.deliver(chatID, msg.Reply)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	from := update.Message.From
	chatID := update.Message.Chat.ID

	if !t.isAllowed(from.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", from.ID,
			"username", from.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if update.Message.IsCommand() {
		t.handleCommand(ctx, chatID, update.Message)
		return
	}

	msg := domain.InboundMessage{
		Channel:      "telegram",
		ChatID:       strconv.FormatInt(chatID, 10),
		SenderID:     strconv.FormatInt(from.ID, 10),
		Username:     from.UserName,
		FirstName:    from.FirstName,
		LastName:     from.LastName,
		LanguageCode: from.LanguageCode,
		Timestamp:    time.Unix(int64(update.Message.Date), 0),
	}

	if voice := update.Message.Voice; voice != nil {
		// The download can run for the full client timeout. Doing it inline
		// would stall the polling loop for every other chat, so it moves to
		// its own goroutine and publishes when the file is on disk.
		go func() {
			audioPath, err := t.download(ctx, voice)
			if err != nil {
				t.logger.Error("voice download failed", "user_id", from.ID, "err", err)
				t.sendMessage(chatID, "Sorry, I could not download your voice message. Please try again.")
				return
			}
			msg.Kind = domain.KindVoice
			msg.AudioPath = audioPath
			t.logger.Info("telegram voice message received",
				"user_id", from.ID, "duration", voice.Duration)
			t.sendTyping(chatID)
			t.bus.Publish(msg)
		}()
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	msg.Kind = domain.KindText
	msg.Text = text
	t.logger.Info("telegram message received",
		"user_id", from.ID, "chat_id", chatID, "text_len", len(text))

	t.sendTyping(chatID)
	t.bus.Publish(msg)
}

func (t *Telegram) sendTyping(chatID int64) {
	if t.bot == nil {
		return
	}
	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)
}

// downloadVoice fetches the voice note's OGG file into the temp dir and
// returns the local path.
func (t *Telegram) downloadVoice(ctx context.Context, voice *tgbotapi.Voice) (string, error) {
	url, err := t.bot.GetFileDirectURL(voice.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch voice file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch voice file: status %s", resp.Status)
	}

	path := filepath.Join(t.tempDir, uuid.NewString()+".ogg")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write voice file: %w", err)
	}
	return path, nil
}

// deliver sends a reply back to the chat, as a voice note when the reply
// carries audio. Voice delivery failures degrade to text.
func (t *Telegram) deliver(chatID int64, reply *domain.Reply) {
	if reply == nil {
		return
	}

	if reply.IsVoice() {
		voice := tgbotapi.NewVoice(chatID, tgbotapi.FilePath(reply.VoicePath))
		if reply.Transcript != "" {
			voice.Caption = truncateForCaption(reply.Transcript)
		}
		if _, err := t.bot.Send(voice); err != nil {
			t.logger.Warn("voice delivery failed, sending text", "err", err)
			text := reply.Text
			if text == "" {
				text = reply.Transcript
			}
			t.sendMessage(chatID, text)
		}
		// The artifact has been delivered (or given up on).
		os.Remove(reply.VoicePath)
		return
	}

	t.sendMessage(chatID, reply.Text)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		t.sendMessage(chatID, "Hello! I'm versebot.\n\n"+
			"Send me any message and the right bot will pick it up: questions go to the assistant, "+
			"requests for poems and songs go to the poet. Voice messages work too.\n\n"+
			"Commands:\n/help - what each bot does\n/stats - usage statistics")
	case "help":
		var sb strings.Builder
		sb.WriteString("*Available bots*\n\n")
		for _, h := range t.handlers {
			fmt.Fprintf(&sb, "• *%s*: %s\n", h.Name, h.Description)
		}
		sb.WriteString("\nAddress one directly by starting your message with its name, like `poet: ...`.\n")
		sb.WriteString("\nCommands:\n/stats - usage statistics")
		t.sendMessage(chatID, sb.String())
	case "stats":
		t.sendMessage(chatID, t.renderStats(ctx))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) renderStats(ctx context.Context) string {
	stats, err := t.store.GetStats(ctx, "")
	if err != nil {
		t.logger.Error("could not load stats", "err", err)
		return "Statistics are unavailable right now."
	}
	if len(stats) == 0 {
		return "No messages handled yet."
	}

	var sb strings.Builder
	sb.WriteString("*Usage statistics*\n\n")
	for _, st := range stats {
		fmt.Fprintf(&sb, "• *%s*: %d requests (%d ok, %d failed)\n",
			st.HandlerName, st.RequestCount, st.SuccessCount, st.ErrorCount)
	}
	return sb.String()
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func truncateForCaption(s string) string {
	const maxCaption = 1024
	if len(s) <= maxCaption {
		return s
	}
	return s[:maxCaption-3] + "..."
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Strategy: try Markdown first, on parse error fall back to plain text, then
// retry with backoff.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		// On subsequent attempts: send as plain text (parse mode may be malformed).

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Markdown parse error on first attempt: immediately retry as plain text.
		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
			// Plain also failed, fall through to backoff loop.
		}

		// Backoff for other transient errors.
		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
