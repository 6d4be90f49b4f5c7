package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/journal"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/tts"
)

// FallbackReply is spoken when the chat backend cannot answer
const FallbackReply = "Sorry, I couldn't get a response."

const journalTimeout = 2 * time.Second

var (
	// ErrBusy is returned while an utterance is streaming or still playing
	ErrBusy = errors.New("speech engine busy")
	// ErrEmptyText is returned when there is nothing to speak
	ErrEmptyText = errors.New("nothing to speak")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("speech engine closed")
	// ErrNoResponder is returned for chat mode without a chat backend
	ErrNoResponder = errors.New("chat mode requires a chat backend")
)

// Mode selects where the spoken text comes from
type Mode string

const (
	ModeChat   Mode = "chat"   // Speak the chat backend's reply to the text
	ModeDirect Mode = "direct" // Speak the text as given
)

// ParseMode parses a mode name. The empty string selects chat.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeChat:
		return ModeChat, nil
	case ModeDirect:
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected %q or %q)", s, ModeChat, ModeDirect)
	}
}

// Responder produces a reply to a user message
type Responder interface {
	Send(ctx context.Context, message string) (string, error)
}

// Journal records utterance lifecycles
type Journal interface {
	Begin(ctx context.Context, e journal.Entry) error
	Transition(ctx context.Context, id, state, detail string, at time.Time) error
}

// Engine is the single writer to the audio output and the renderer. It
// runs at most one session at a time and refuses new text until the
// previous utterance has finished playing.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	active *Session
	owner  string // Session allowed to touch the outputs
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine. Missing outputs or credentials fail here, before
// any network I/O.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Field: "config", Reason: "is required"}
	}
	if cfg.ElevenLabsAPIKey == "" {
		return nil, &config.ConfigError{Field: "ELEVENLABS_API_KEY", Reason: "is required"}
	}
	if deps.Output == nil {
		return nil, &config.ConfigError{Field: "AUDIO_OUTPUT", Reason: "no audio output available"}
	}
	if deps.Dispatcher == nil {
		return nil, &config.ConfigError{Field: "dispatcher", Reason: "no renderer dispatcher available"}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Indicator == nil {
		deps.Indicator = LogIndicator{Logger: deps.Logger}
	}
	if deps.Dialer == nil {
		dialer, err := tts.NewWSDialer(cfg, deps.Logger)
		if err != nil {
			return nil, &config.ConfigError{Field: "ELEVENLABS_BASE_URL", Reason: err.Error()}
		}
		deps.Logger.Debug().Str("url", dialer.URL()).Msg("ElevenLabs dialer ready")
		deps.Dialer = dialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		logger: deps.Logger,
	}, nil
}

// DefaultMode is chat when a chat backend is configured, direct otherwise
func (e *Engine) DefaultMode() Mode {
	if e.deps.Responder != nil {
		return ModeChat
	}
	return ModeDirect
}

// Speak starts speaking text as given. The session runs in the background;
// use Session.Done to wait for the stream to end. A correlation ID stored on
// ctx is carried by the session's logs.
func (e *Engine) Speak(ctx context.Context, text string) (*Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	return e.start(ModeDirect, text, observability.CorrelationIDFromContext(ctx))
}

// Send speaks text in the given mode. In chat mode the text is sent to the
// chat backend and its reply is spoken; a failed backend yields FallbackReply.
func (e *Engine) Send(ctx context.Context, mode Mode, text string) (*Session, error) {
	switch mode {
	case ModeDirect:
		return e.Speak(ctx, text)
	case ModeChat:
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if e.deps.Responder == nil {
		return nil, ErrNoResponder
	}
	if e.Busy() {
		return nil, ErrBusy
	}

	correlationID := observability.CorrelationIDFromContext(ctx)
	reply, err := e.deps.Responder.Send(ctx, text)
	if err != nil {
		logger := observability.WithCorrelationID(e.logger, correlationID)
		logger.Error().Err(err).
			Msg("Chat backend failed, speaking fallback reply")
		reply = FallbackReply
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = FallbackReply
	}
	return e.start(ModeChat, reply, correlationID)
}

func (e *Engine) start(mode Mode, text, correlationID string) (*Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.busyLocked() {
		e.mu.Unlock()
		return nil, ErrBusy
	}

	s := NewSession(SessionConfig{
		Config:        e.cfg,
		Text:          text,
		Mode:          mode,
		CorrelationID: correlationID,
		Owns:          e.owns,
		OnTransition:  e.transition,
	}, e.deps)
	e.active = s
	e.owner = s.ID()
	e.wg.Add(1)
	e.mu.Unlock()

	e.begin(s)

	go func() {
		defer e.wg.Done()
		// Failures are logged and surfaced through the indicator by the session
		_ = s.Run(e.ctx)
	}()
	return s, nil
}

// Busy reports whether a new utterance would be refused
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked()
}

func (e *Engine) busyLocked() bool {
	if e.active == nil {
		return false
	}
	if !e.active.State().Terminal() {
		return true
	}
	return e.deps.Clock.Now().Before(e.active.Horizon())
}

// Interrupt cancels the current utterance: its connection is closed, its
// pending visemes are dropped and the audio output is cleared. Returns
// false when nothing was streaming or playing.
func (e *Engine) Interrupt() bool {
	e.mu.Lock()
	s := e.active
	busy := e.busyLocked()
	e.owner = ""
	e.mu.Unlock()

	if s == nil {
		return false
	}

	s.Interrupt()
	<-s.Done()
	e.deps.Output.Clear()
	if busy {
		e.deps.Indicator.HideProcessing()
		e.logger.Info().Str("session_id", s.ID()).Msg("Utterance interrupted")
	}
	return busy
}

// Healthy reports whether the TTS dialer can be used
func (e *Engine) Healthy(ctx context.Context) (bool, error) {
	if h, ok := e.deps.Dialer.(interface {
		Healthy(ctx context.Context) (bool, error)
	}); ok {
		return h.Healthy(ctx)
	}
	return true, nil
}

// Close interrupts the current utterance and waits for it to end
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	s := e.active
	e.mu.Unlock()

	if s != nil {
		s.Interrupt()
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) owns(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner == sessionID
}

func (e *Engine) begin(s *Session) {
	if e.deps.Journal == nil {
		return
	}
	u := s.Utterance()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := e.deps.Journal.Begin(ctx, journal.Entry{
		ID:            u.ID,
		CorrelationID: s.CorrelationID(),
		Mode:          string(u.Mode),
		Text:          u.Text,
		State:         StateIdle.String(),
		StartAt:       u.Start,
		CreatedAt:     e.deps.Clock.Now(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("session_id", u.ID).Msg("Failed to journal utterance")
	}
}

func (e *Engine) transition(s *Session, from, to State) {
	if e.deps.Journal == nil {
		return
	}

	detail := ""
	if to == StateError || to == StateClosed {
		if err := s.Err(); err != nil {
			detail = err.Error()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := e.deps.Journal.Transition(ctx, s.ID(), to.String(), detail, e.deps.Clock.Now()); err != nil {
		e.logger.Warn().Err(err).Str("session_id", s.ID()).Str("state", to.String()).Msg("Failed to journal transition")
	}
}
