package bot

import (
	"context"
	"fmt"
	"log/slog"

	"versebot/internal/domain"
)

// AIClient is the language-model surface the handlers need.
type AIClient interface {
	TextResponse(ctx context.Context, senderID, text string) (string, error)
	CreativeResponse(ctx context.Context, prompt string) (string, error)
}

// Speech is the voice pipeline surface: speech-to-text and text-to-speech.
type Speech interface {
	Available() bool
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Synthesize(ctx context.Context, text, outPath string) error
}

const (
	apologyGenerate   = "Sorry, I could not come up with an answer right now. Please try again in a moment."
	apologyTranscribe = "Sorry, I could not make out that voice message. Could you try again, or type it instead?"
)

// Assistant is the general-purpose handler: plain question answering over
// text, and the full voice pipeline (transcribe, answer, speak back).
type Assistant struct {
	*BaseBot
	ai     AIClient
	speech Speech
}

func NewAssistant(ai AIClient, speech Speech, tempBase string, logger *slog.Logger) *Assistant {
	return &Assistant{
		BaseBot: NewBaseBot("assistant", "General questions and voice messages", tempBase, logger),
		ai:      ai,
		speech:  speech,
	}
}

func (a *Assistant) HandleText(ctx context.Context, senderID, text string) (*domain.Reply, error) {
	reply, err := a.ai.TextResponse(ctx, senderID, text)
	if err != nil {
		a.Logger().Error("text generation failed", "sender", senderID, "error", err)
		return domain.TextReply(apologyGenerate),
			domain.NewProcessingError(a.Name(), "generate", err)
	}
	return domain.TextReply(reply), nil
}

// HandleVoice runs the voice pipeline: transcribe the audio, answer the
// transcript, synthesize the answer. A synthesis failure degrades to a text
// reply carrying the transcript and the answer; the message still counts as
// handled successfully.
func (a *Assistant) HandleVoice(ctx context.Context, senderID, audioPath string) (*domain.Reply, error) {
	if a.speech == nil || !a.speech.Available() {
		return domain.TextReply("Voice messages are not available right now. Please type your question."),
			domain.NewProcessingError(a.Name(), "transcribe", fmt.Errorf("speech service not configured"))
	}

	transcript, err := a.speech.Transcribe(ctx, audioPath)
	if err != nil {
		a.Logger().Error("transcription failed", "sender", senderID, "error", err)
		return domain.TextReply(apologyTranscribe),
			domain.NewProcessingError(a.Name(), "transcribe", err)
	}
	a.Logger().Debug("voice transcribed", "sender", senderID, "chars", len(transcript))

	answer, err := a.ai.TextResponse(ctx, senderID, transcript)
	if err != nil {
		a.Logger().Error("voice answer generation failed", "sender", senderID, "error", err)
		return domain.TextReply(apologyGenerate),
			domain.NewProcessingError(a.Name(), "generate", err)
	}

	voicePath := a.TempFile(senderID, ".mp3")
	if err := a.speech.Synthesize(ctx, answer, voicePath); err != nil {
		a.Logger().Warn("synthesis failed, falling back to text", "sender", senderID, "error", err)
		return &domain.Reply{
			Text: fmt.Sprintf("You said: %s\n\n%s\n\n(Voice reply unavailable right now.)", transcript, answer),
		}, nil
	}

	return &domain.Reply{VoicePath: voicePath, Transcript: transcript, Text: answer}, nil
}
