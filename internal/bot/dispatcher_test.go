package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"versebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore records every stats upsert so tests can assert the
// exactly-one-record-per-call invariant.
type fakeStore struct {
	mu        sync.Mutex
	statCalls []statCall
	messages  []domain.MessageLogEntry
	users     map[string]domain.UserRecord
}

type statCall struct {
	handler string
	success bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]domain.UserRecord)}
}

func (s *fakeStore) UpsertUser(_ context.Context, u domain.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*domain.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m domain.MessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeStore) GetMessages(_ context.Context, id string, limit int) ([]domain.MessageLogEntry, error) {
	return nil, nil
}

func (s *fakeStore) UpsertStats(_ context.Context, handler string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statCalls = append(s.statCalls, statCall{handler: handler, success: success})
	return nil
}

func (s *fakeStore) GetStats(_ context.Context, handler string) ([]domain.StatEntry, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) stats() []statCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statCall(nil), s.statCalls...)
}

// fakeBus collects outbound messages; Subscribe is unused in the synchronous
// tests.
type fakeBus struct {
	mu       sync.Mutex
	outbound []domain.OutboundMessage
}

func (b *fakeBus) Publish(domain.InboundMessage)                   {}
func (b *fakeBus) Subscribe() <-chan domain.InboundMessage         { return nil }
func (b *fakeBus) OnOutbound(string, func(domain.OutboundMessage)) {}
func (b *fakeBus) Close()                                          {}

func (b *fakeBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, msg)
}

func (b *fakeBus) sent() []domain.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OutboundMessage(nil), b.outbound...)
}

// fakeHandler is a scriptable handler for dispatcher tests.
type fakeHandler struct {
	name        string
	initialized bool
	composes    bool
	reply       *domain.Reply
	err         error
	panicWith   any
	voiceReply  *domain.Reply
	voiceErr    error
}

func (h *fakeHandler) Name() string                     { return h.name }
func (h *fakeHandler) Description() string              { return "fake" }
func (h *fakeHandler) Initialize(context.Context) error { h.initialized = true; return nil }
func (h *fakeHandler) Shutdown() error                  { h.initialized = false; return nil }
func (h *fakeHandler) Initialized() bool                { return h.initialized }
func (h *fakeHandler) ComposesTracks() bool             { return h.composes }

func (h *fakeHandler) HandleText(context.Context, string, string) (*domain.Reply, error) {
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.reply, h.err
}

func (h *fakeHandler) HandleVoice(context.Context, string, string) (*domain.Reply, error) {
	return h.voiceReply, h.voiceErr
}

func newTestDispatcher(t *testing.T, handlers ...domain.Handler) (*Dispatcher, *fakeStore, *fakeBus) {
	t.Helper()
	logger := testLogger()
	registry := NewRegistry(logger)
	for _, h := range handlers {
		registry.Register(h)
	}
	router, err := NewRouter(registry, DefaultRules(), logger)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	store := newFakeStore()
	bus := &fakeBus{}
	d := NewDispatcher(DispatcherConfig{
		Registry: registry,
		Router:   router,
		Store:    store,
		Bus:      bus,
		Logger:   logger,
	})
	return d, store, bus
}

func textMsg(text string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:  "telegram",
		ChatID:   "42",
		SenderID: "7",
		Kind:     domain.KindText,
		Text:     text,
	}
}

func TestDispatch_SuccessRecordsOneSuccess(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: true, reply: domain.TextReply("hi")}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != "hi" {
		t.Fatalf("expected one reply 'hi', got %+v", sent)
	}
	stats := store.stats()
	if len(stats) != 1 || !stats[0].success || stats[0].handler != "assistant" {
		t.Fatalf("expected one success for assistant, got %+v", stats)
	}
}

func TestDispatch_SoftFailureDeliversApologyAndRecordsFailure(t *testing.T) {
	apology := domain.TextReply("sorry, that broke")
	h := &fakeHandler{
		name:        "assistant",
		initialized: true,
		reply:       apology,
		err:         domain.NewProcessingError("assistant", "generate", errors.New("provider down")),
	}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != "sorry, that broke" {
		t.Fatalf("handler's own apology must be delivered, got %+v", sent)
	}
	stats := store.stats()
	if len(stats) != 1 || stats[0].success {
		t.Fatalf("expected exactly one failure record, got %+v", stats)
	}
}

func TestDispatch_PlainErrorGetsGenericApology(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: true, err: errors.New("boom")}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != genericApology {
		t.Fatalf("expected generic apology, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 1 || stats[0].success {
		t.Fatalf("expected one failure record, got %+v", stats)
	}
}

func TestDispatch_PanicIsContained(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: true, panicWith: "nil map write"}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != genericApology {
		t.Fatalf("panic must produce a generic apology, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 1 || stats[0].success {
		t.Fatalf("panic must record one failure, got %+v", stats)
	}
}

func TestDispatch_NotInitializedGuard(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: false, reply: domain.TextReply("should not run")}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != genericApology {
		t.Fatalf("uninitialized handler must not run, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 1 || stats[0].success {
		t.Fatalf("expected one failure record, got %+v", stats)
	}
}

func TestDispatch_NilReplySuccessSendsNothing(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: true}
	d, store, bus := newTestDispatcher(t, h)

	d.process(context.Background(), textMsg("hello"))

	if sent := bus.sent(); len(sent) != 0 {
		t.Fatalf("nil reply means no outbound message, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 1 || !stats[0].success {
		t.Fatalf("expected one success record, got %+v", stats)
	}
}

func TestDispatch_VoiceGoesToAssistant(t *testing.T) {
	assistant := &fakeHandler{name: "assistant", initialized: true,
		voiceReply: &domain.Reply{VoicePath: "/tmp/x.mp3", Transcript: "hi"}}
	poet := &fakeHandler{name: "poet", initialized: true, reply: domain.TextReply("a poem")}
	d, store, bus := newTestDispatcher(t, assistant, poet)

	msg := textMsg("write me a poem") // creative text, but Kind wins
	msg.Kind = domain.KindVoice
	msg.Text = ""
	msg.AudioPath = "/tmp/in.ogg"
	d.process(context.Background(), msg)

	sent := bus.sent()
	if len(sent) != 1 || !sent[0].Reply.IsVoice() {
		t.Fatalf("voice message must produce the assistant's voice reply, got %+v", sent)
	}
	stats := store.stats()
	if len(stats) != 1 || stats[0].handler != "assistant" {
		t.Fatalf("voice stats must go to assistant, got %+v", stats)
	}
}

func TestDispatch_VoiceWithoutAssistant(t *testing.T) {
	poet := &fakeHandler{name: "poet", initialized: true}
	d, store, bus := newTestDispatcher(t, poet)

	msg := domain.InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "7",
		Kind: domain.KindVoice, AudioPath: "/tmp/in.ogg"}
	d.process(context.Background(), msg)

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != voiceUnavailable {
		t.Fatalf("expected fixed unavailable reply, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 0 {
		t.Fatalf("no handler ran, so no stats, got %+v", stats)
	}
}

func TestDispatch_EmptyRegistry(t *testing.T) {
	d, store, bus := newTestDispatcher(t)

	d.process(context.Background(), textMsg("hello"))

	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != notReadyReply {
		t.Fatalf("expected not-ready reply, got %+v", sent)
	}
	if stats := store.stats(); len(stats) != 0 {
		t.Fatalf("no handler ran, so no stats, got %+v", stats)
	}
}

func TestDispatch_PersistsConversation(t *testing.T) {
	h := &fakeHandler{name: "assistant", initialized: true, reply: domain.TextReply("answer")}
	d, store, _ := newTestDispatcher(t, h)

	msg := textMsg("question")
	msg.Username = "alice"
	d.process(context.Background(), msg)

	if _, ok := store.users["7"]; !ok {
		t.Error("sender not persisted")
	}
	if len(store.messages) != 2 {
		t.Fatalf("expected inbound and outbound log entries, got %d", len(store.messages))
	}
	if store.messages[0].FromBot || !store.messages[1].FromBot {
		t.Errorf("attribution wrong: %+v", store.messages)
	}
	if store.messages[1].HandlerName != "assistant" {
		t.Errorf("reply must name its handler, got %q", store.messages[1].HandlerName)
	}
}

func TestDispatch_MusicRequestGetsComposingNotice(t *testing.T) {
	assistant := &fakeHandler{name: "assistant", initialized: true}
	poet := &fakeHandler{name: "poet", initialized: true, composes: true, reply: domain.TextReply("a song for you")}
	d, store, bus := newTestDispatcher(t, assistant, poet)

	d.process(context.Background(), textMsg("make me a song about rain"))

	sent := bus.sent()
	if len(sent) != 2 {
		t.Fatalf("expected notice plus reply, got %+v", sent)
	}
	if sent[0].Reply.Text != composingNotice {
		t.Errorf("first message should be the composing notice, got %q", sent[0].Reply.Text)
	}
	if sent[1].Reply.Text != "a song for you" {
		t.Errorf("got %q", sent[1].Reply.Text)
	}
	// The notice is not a handler outcome: still exactly one stats record.
	if stats := store.stats(); len(stats) != 1 {
		t.Fatalf("expected one stats record, got %+v", stats)
	}
}

func TestDispatch_NoComposingNoticeWithoutStudio(t *testing.T) {
	assistant := &fakeHandler{name: "assistant", initialized: true}
	poet := &fakeHandler{name: "poet", initialized: true, reply: domain.TextReply("just a poem")}
	d, _, bus := newTestDispatcher(t, assistant, poet)

	d.process(context.Background(), textMsg("make me a song about rain"))

	// No studio means no song to wait for: the reply alone, no notice.
	sent := bus.sent()
	if len(sent) != 1 || sent[0].Reply.Text != "just a poem" {
		t.Fatalf("expected only the reply, got %+v", sent)
	}
}

func TestDispatch_RemovesDownloadedVoiceFile(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "in.ogg")
	if err := os.WriteFile(audioPath, []byte("ogg"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	assistant := &fakeHandler{name: "assistant", initialized: true,
		voiceReply: domain.TextReply("heard you")}
	d, _, _ := newTestDispatcher(t, assistant)

	msg := domain.InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "7",
		Kind: domain.KindVoice, AudioPath: audioPath}
	d.process(context.Background(), msg)

	if _, err := os.Stat(audioPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("downloaded voice file must be removed after processing, stat err: %v", err)
	}
}

func TestInitializeAll_OneFailureDoesNotStopOthers(t *testing.T) {
	bad := &failingInitHandler{fakeHandler: fakeHandler{name: "assistant"}}
	good := &fakeHandler{name: "poet"}
	d, _, _ := newTestDispatcher(t, bad, good)

	err := d.InitializeAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error from failing handler")
	}
	if !strings.Contains(err.Error(), "assistant") {
		t.Errorf("error should name the failing handler: %v", err)
	}
	if !good.Initialized() {
		t.Error("later handler must still be initialized")
	}
}

type failingInitHandler struct {
	fakeHandler
}

func (h *failingInitHandler) Initialize(context.Context) error {
	return fmt.Errorf("no backend")
}
