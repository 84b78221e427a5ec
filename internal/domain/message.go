package domain

import "time"

// MessageKind distinguishes text from voice messages.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
)

// InboundMessage is a single user message received from the transport.
// It is immutable once published on the bus.
type InboundMessage struct {
	Channel      string
	ChatID       string
	SenderID     string
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	Kind         MessageKind
	Text         string // set for KindText
	AudioPath    string // local path to the downloaded audio, set for KindVoice
	Timestamp    time.Time
}

// Reply is what a handler produces for a message. A nil *Reply means
// "no reply needed". A voice reply carries both the synthesized audio
// artifact and its transcript.
type Reply struct {
	Text       string
	VoicePath  string
	Transcript string
}

// IsVoice reports whether the reply carries a synthesized audio artifact.
func (r *Reply) IsVoice() bool {
	return r != nil && r.VoicePath != ""
}

// TextReply builds a plain text reply.
func TextReply(text string) *Reply {
	return &Reply{Text: text}
}

// OutboundMessage is a reply on its way back through the transport.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Reply   *Reply
}
