package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"versebot/internal/domain"
	"versebot/internal/metrics"
)

const (
	genericApology   = "Sorry, something went wrong while handling your message. Please try again."
	voiceUnavailable = "Voice messages are not supported right now. Please type your request."
	notReadyReply    = "The service is still starting up. Please try again in a moment."
	composingNotice  = "Composing... a song can take a few minutes."

	voiceHandlerName = "assistant"
)

// trackCapable is implemented by handlers that can turn a request into a
// studio track.
type trackCapable interface {
	ComposesTracks() bool
}

// Dispatcher consumes inbound messages from the bus, routes each one to a
// handler, and sends the reply back. Failures stay contained: a broken
// handler produces an apology and a stats entry, never a crash.
type Dispatcher struct {
	registry    *Registry
	router      *Router
	store       domain.RecordStore
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
}

// DispatcherConfig holds the dispatcher's dependencies.
type DispatcherConfig struct {
	Registry    *Registry
	Router      *Router
	Store       domain.RecordStore
	Bus         domain.MessageBus
	Logger      *slog.Logger
	Concurrency int // max parallel messages
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		router:      cfg.Router,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// InitializeAll initializes every registered handler in registration order.
// One handler failing does not stop the others; the dispatcher's initialized
// guard keeps the broken handler out of traffic. The joined error reports
// what failed.
func (d *Dispatcher) InitializeAll(ctx context.Context) error {
	var errs []error
	for _, h := range d.registry.All() {
		if err := h.Initialize(ctx); err != nil {
			d.logger.Error("handler initialization failed", "handler", h.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownAll shuts handlers down in reverse registration order.
func (d *Dispatcher) ShutdownAll() {
	all := d.registry.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := all[i].Shutdown(); err != nil {
			d.logger.Error("handler shutdown failed", "handler", all[i].Name(), "error", err)
		}
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// It returns when the context is cancelled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			sem <- struct{}{}
			metrics.ActiveWorkers.Inc()
			go func(m domain.InboundMessage) {
				defer func() {
					metrics.ActiveWorkers.Dec()
					<-sem
				}()
				d.process(ctx, m)
			}(msg)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()
	metrics.MessagesTotal.Inc()
	d.logger.Info("processing message",
		"channel", msg.Channel, "sender", msg.SenderID, "kind", msg.Kind)

	// The downloaded audio is ours once the message reaches us; the handler
	// only reads it, so it is deleted here whatever the outcome.
	if msg.Kind == domain.KindVoice && msg.AudioPath != "" {
		defer func() {
			if err := os.Remove(msg.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				d.logger.Warn("could not remove downloaded voice file", "path", msg.AudioPath, "error", err)
			}
		}()
	}

	d.recordInbound(ctx, msg)

	var reply *domain.Reply
	var handlerName string

	switch msg.Kind {
	case domain.KindVoice:
		metrics.VoiceMessagesTotal.Inc()
		reply, handlerName = d.processVoice(ctx, msg)
	default:
		reply, handlerName = d.processText(ctx, msg)
	}

	if reply != nil {
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Reply:   reply,
		})
		d.recordOutbound(ctx, msg, reply, handlerName)
	}

	metrics.HandleLatency.Observe(time.Since(start).Seconds())
}

// processText routes a text message and invokes the selected handler under
// the soft-failure contract. Every handler invocation records exactly one
// stats entry.
func (d *Dispatcher) processText(ctx context.Context, msg domain.InboundMessage) (*domain.Reply, string) {
	handler, err := d.router.Select(msg.Text)
	if err != nil {
		d.logger.Error("no handler for message", "error", err)
		return domain.TextReply(notReadyReply), ""
	}

	text := d.router.StripDirectAddress(msg.Text)

	// Track creation runs for minutes; tell the user up front. Only when the
	// handler can actually produce one: no promises with the studio disabled.
	if tc, ok := handler.(trackCapable); ok && tc.ComposesTracks() && wantsMusic(text) {
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Reply:   domain.TextReply(composingNotice),
		})
	}

	reply := d.invoke(ctx, handler, func(hctx context.Context) (*domain.Reply, error) {
		return handler.HandleText(hctx, msg.SenderID, text)
	})
	return reply, handler.Name()
}

// processVoice sends voice messages straight to the voice-capable handler,
// bypassing content routing. Without one there is nothing to record stats
// against: the fixed reply goes out and that is all.
func (d *Dispatcher) processVoice(ctx context.Context, msg domain.InboundMessage) (*domain.Reply, string) {
	handler, ok := d.registry.Get(voiceHandlerName)
	if !ok {
		d.logger.Warn("voice message received but no voice handler registered")
		return domain.TextReply(voiceUnavailable), ""
	}

	reply := d.invoke(ctx, handler, func(hctx context.Context) (*domain.Reply, error) {
		return handler.HandleVoice(hctx, msg.SenderID, msg.AudioPath)
	})
	return reply, handler.Name()
}

// invoke runs one handler call with the initialized guard, panic containment,
// and the soft-failure contract: a handler error travels with an apology
// reply, and the stats record the call as a failure either way.
func (d *Dispatcher) invoke(ctx context.Context, handler domain.Handler, call func(context.Context) (*domain.Reply, error)) *domain.Reply {
	name := handler.Name()
	metrics.HandlerRequests(name).Inc()

	if !handler.Initialized() {
		d.logger.Error("handler not ready", "handler", name, "error", domain.ErrNotInitialized)
		d.recordStats(ctx, name, false)
		return domain.TextReply(genericApology)
	}

	reply, err := d.safeCall(ctx, name, call)

	if err != nil {
		metrics.HandlerErrors(name).Inc()
		d.recordStats(ctx, name, false)

		var procErr *domain.ProcessingError
		if errors.As(err, &procErr) && reply != nil {
			// The handler caught its own failure and prepared an apology.
			d.logger.Warn("handler soft failure", "handler", name, "stage", procErr.Stage, "error", procErr.Err)
			return reply
		}
		d.logger.Error("handler failed", "handler", name, "error", err)
		return domain.TextReply(genericApology)
	}

	d.recordStats(ctx, name, true)
	return reply
}

// safeCall converts a handler panic into an error.
func (d *Dispatcher) safeCall(ctx context.Context, name string, call func(context.Context) (*domain.Reply, error)) (reply *domain.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "handler", name, "panic", r)
			reply = nil
			err = fmt.Errorf("handler %s panicked: %v", name, r)
		}
	}()
	return call(ctx)
}

func (d *Dispatcher) recordStats(ctx context.Context, handlerName string, success bool) {
	if err := d.store.UpsertStats(ctx, handlerName, success); err != nil {
		d.logger.Warn("could not record handler stats", "handler", handlerName, "error", err)
	}
}

func (d *Dispatcher) recordInbound(ctx context.Context, msg domain.InboundMessage) {
	if err := d.store.UpsertUser(ctx, domain.UserRecord{
		UserID:       msg.SenderID,
		Username:     msg.Username,
		FirstName:    msg.FirstName,
		LastName:     msg.LastName,
		LanguageCode: msg.LanguageCode,
	}); err != nil {
		d.logger.Warn("could not persist user", "sender", msg.SenderID, "error", err)
	}

	text := msg.Text
	if msg.Kind == domain.KindVoice {
		text = "[voice message]"
	}
	if err := d.store.AppendMessage(ctx, domain.MessageLogEntry{
		UserID: msg.SenderID,
		Text:   text,
		Kind:   msg.Kind,
	}); err != nil {
		d.logger.Warn("could not persist inbound message", "sender", msg.SenderID, "error", err)
	}
}

func (d *Dispatcher) recordOutbound(ctx context.Context, msg domain.InboundMessage, reply *domain.Reply, handlerName string) {
	text := reply.Text
	if reply.IsVoice() {
		text = "[voice reply] " + reply.Transcript
	}
	kind := domain.KindText
	if reply.IsVoice() {
		kind = domain.KindVoice
	}
	if err := d.store.AppendMessage(ctx, domain.MessageLogEntry{
		UserID:      msg.SenderID,
		Text:        text,
		Kind:        kind,
		FromBot:     true,
		HandlerName: handlerName,
	}); err != nil {
		d.logger.Warn("could not persist reply", "sender", msg.SenderID, "error", err)
	}
}
