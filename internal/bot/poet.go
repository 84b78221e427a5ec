package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"versebot/internal/domain"
)

// TrackMaker turns a music prompt into a finished track URL.
type TrackMaker interface {
	CreateTrack(ctx context.Context, prompt string) (string, error)
}

const apologyCompose = "Sorry, the muse is silent right now. Please ask for your poem again in a moment."

var musicWords = []string{"song", "music", "track", "melody", "tune"}

// Poet is the creative handler: poems on request, and full songs through the
// studio when the request asks for music. Voice messages are delegated to the
// assistant, which owns the voice pipeline.
type Poet struct {
	*BaseBot
	ai       AIClient
	studio   TrackMaker // nil when studio automation is disabled
	handlers domain.HandlerLookup
}

func NewPoet(ai AIClient, studio TrackMaker, handlers domain.HandlerLookup, tempBase string, logger *slog.Logger) *Poet {
	return &Poet{
		BaseBot:  NewBaseBot("poet", "Poems, verses and generated songs", tempBase, logger),
		ai:       ai,
		studio:   studio,
		handlers: handlers,
	}
}

// ComposesTracks reports whether studio automation is wired in.
func (p *Poet) ComposesTracks() bool { return p.studio != nil }

func (p *Poet) HandleText(ctx context.Context, senderID, text string) (*domain.Reply, error) {
	theme := cleanTheme(text)

	poem, err := p.ai.CreativeResponse(ctx, "Write a short poem about: "+theme)
	if err != nil {
		p.Logger().Error("poem generation failed", "sender", senderID, "error", err)
		return domain.TextReply(apologyCompose),
			domain.NewProcessingError(p.Name(), "compose", err)
	}

	if !wantsMusic(text) || p.studio == nil {
		return domain.TextReply(poem), nil
	}

	// A track request. Track failure degrades to the poem alone and still
	// counts as a handled message.
	trackURL, err := p.createTrack(ctx, theme)
	if err != nil {
		p.Logger().Warn("track creation failed, sending poem only", "sender", senderID, "error", err)
		return domain.TextReply(poem + "\n\nI could not record the song this time, but the words are yours."), nil
	}

	return domain.TextReply(fmt.Sprintf("%s\n\nAnd here is your song: %s", poem, trackURL)), nil
}

func (p *Poet) createTrack(ctx context.Context, theme string) (string, error) {
	prompt, err := p.ai.CreativeResponse(ctx,
		"Write a concise music-generation prompt (style, mood, tempo, instruments) for a song about: "+theme)
	if err != nil {
		return "", fmt.Errorf("studio prompt: %w", err)
	}
	return p.studio.CreateTrack(ctx, prompt)
}

// HandleVoice hands the voice message to the assistant, which owns the voice
// pipeline. Without an assistant the poet answers in text.
func (p *Poet) HandleVoice(ctx context.Context, senderID, audioPath string) (*domain.Reply, error) {
	if assistant, ok := p.handlers.Get("assistant"); ok {
		p.Logger().Debug("delegating voice message to assistant", "sender", senderID)
		return assistant.HandleVoice(ctx, senderID, audioPath)
	}
	return domain.TextReply("I only work with written words. Please type your request."), nil
}

// cleanTheme strips the creative vocabulary from the request, leaving the
// subject the user actually asked about.
func cleanTheme(text string) string {
	fields := strings.Fields(text)
	var kept []string
	for _, f := range fields {
		lower := strings.ToLower(strings.Trim(f, ".,!?:;"))
		switch lower {
		case "poem", "verse", "rhyme", "stanza", "poetry", "write", "a", "an", "the", "about",
			"me", "please", "compose", "song", "music", "track", "melody", "lyric", "lyrics", "tune":
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return "anything you like"
	}
	return strings.Join(kept, " ")
}

func wantsMusic(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range musicWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
