// Package speech runs utterances end to end: it streams text to the TTS
// service, batches the returned audio onto the playback timeline and
// dispatches viseme packets at their absolute times.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/playback"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// ErrInterrupted is returned by Run when the session was cancelled with Interrupt
var ErrInterrupted = errors.New("speech interrupted")

const (
	eventBuffer     = 32
	dispatchTimeout = 2 * time.Second
)

// State is the lifecycle position of a session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Utterance is one text being spoken
type Utterance struct {
	ID        string
	Text      string
	Mode      Mode
	Start     time.Time     // Clock time of the first sample (initial next-play time)
	PreBuffer time.Duration // Delay between creation and Start
}

// Deps are the collaborators shared by every session. Output, Dispatcher
// and Indicator are singleton handles: only the active session writes to them.
type Deps struct {
	Clock      clock.Clock
	Dialer     tts.Dialer
	Output     playback.Output
	Dispatcher dispatch.Dispatcher
	Indicator  Indicator
	Responder  Responder // Chat mode only
	Journal    Journal   // Optional
	Logger     zerolog.Logger
}

// SessionConfig describes one session
type SessionConfig struct {
	Config        *config.Config
	Text          string
	Mode          Mode
	CorrelationID string
	Owns          func(sessionID string) bool      // Checked before touching shared outputs; nil allows all
	OnTransition  func(s *Session, from, to State) // Called after every state change
}

type readResult struct {
	event *tts.Event
	err   error
}

// Session is the state machine for a single utterance. It exclusively owns
// its connection; batching and audio scheduling happen on the Run goroutine
// only, while viseme timers fire independently.
type Session struct {
	utterance     Utterance
	correlationID string
	cfg           *config.Config
	deps          Deps
	owns          func(string) bool
	onTransition  func(*Session, State, State)

	// Streaming pipeline
	format     audio.Format
	batcher    *audio.Batcher
	translator *viseme.Translator
	visemes    *viseme.Scheduler
	playback   *playback.Scheduler
	offsetMs   float64 // Running character clock, owned by Run

	// State management
	mu          sync.Mutex
	state       State
	conn        tts.Conn
	closeOnce   sync.Once
	interrupt   chan struct{}
	interrupted sync.Once
	done        chan struct{}
	err         error

	// Observability
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewSession creates an idle session. The utterance start (now plus the
// pre-buffer delay) is fixed here.
func NewSession(sc SessionConfig, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Indicator == nil {
		deps.Indicator = LogIndicator{Logger: deps.Logger}
	}
	if sc.Mode == "" {
		sc.Mode = ModeDirect
	}
	if sc.CorrelationID == "" {
		sc.CorrelationID = observability.NewCorrelationID()
	}

	cfg := sc.Config
	id := uuid.New().String()
	format := cfg.AudioFormat()
	logger := observability.ForSession(deps.Logger, id, sc.CorrelationID)

	delay := playback.PreBufferDelay(sc.Text, cfg.ShortTextThresholdChars, cfg.PreBufferTime)
	player := playback.NewScheduler(deps.Clock, deps.Output, delay)

	s := &Session{
		utterance: Utterance{
			ID:        id,
			Text:      sc.Text,
			Mode:      sc.Mode,
			Start:     player.Start(),
			PreBuffer: delay,
		},
		correlationID: sc.CorrelationID,
		cfg:           cfg,
		deps:          deps,
		owns:          sc.Owns,
		onTransition:  sc.OnTransition,
		format:        format,
		batcher:       audio.NewBatcher(format, cfg.MinChunk()),
		translator:    viseme.NewTranslator(nil, format.SampleRate),
		playback:      player,
		state:         StateIdle,
		interrupt:     make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       observability.NewUtteranceMetrics(id),
		logger:        logger,
	}
	s.visemes = viseme.NewScheduler(viseme.SchedulerConfig{
		Clock:      deps.Clock,
		Dispatcher: deps.Dispatcher,
		Format:     format,
		Margin:     cfg.VisemeMargin(),
		SessionID:  id,
		Owns:       sc.Owns,
		Words:      cfg.DispatchWords,
		Logger:     logger,
	})
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.utterance.ID
}

// CorrelationID returns the id tying this session's logs to the request
func (s *Session) CorrelationID() string {
	return s.correlationID
}

// Utterance returns the utterance being spoken
func (s *Session) Utterance() Utterance {
	return s.utterance
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error the session ended with, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Horizon returns the clock time at which everything this session
// scheduled has finished playing. Failed and interrupted sessions have
// nothing left to play.
func (s *Session) Horizon() time.Time {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateError || s.isInterrupted() {
		return time.Time{}
	}

	horizon := s.visemes.Horizon()
	if s.playback.Batches() > 0 {
		if end := s.playback.NextPlay(); end.After(horizon) {
			horizon = end
		}
	}
	return horizon
}

// Interrupt cancels the session: the connection is closed, pending viseme
// packets are dropped and Run returns ErrInterrupted. Safe to call at any time.
func (s *Session) Interrupt() {
	s.interrupted.Do(func() {
		close(s.interrupt)
	})
	if dropped := s.visemes.Pending(); dropped > 0 {
		s.logger.Debug().Int("dropped_visemes", dropped).Msg("Dropping pending viseme packets")
	}
	s.visemes.Stop()
	s.closeConn()
}

// Run speaks the utterance and blocks until the stream ends. It returns
// nil when the session reaches Closed normally.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.interrupt:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.metrics.RecordUtteranceStart()
	s.deps.Indicator.ShowProcessing()
	s.logger.Info().
		Str("mode", string(s.utterance.Mode)).
		Int("chars", utf8.RuneCountInString(s.utterance.Text)).
		Dur("pre_buffer", s.utterance.PreBuffer).
		Int("batch_threshold", s.batcher.Threshold()).
		Msg("Speaking utterance")

	s.setState(StateConnecting)
	conn, err := s.deps.Dialer.Dial(ctx)
	if err != nil {
		if s.isInterrupted() {
			return s.stop()
		}
		return s.fail(err, "TTS connection failed")
	}
	if !s.setConn(conn) {
		return s.stop()
	}

	if err := conn.WriteJSON(tts.NewStreamStart(s.cfg)); err != nil {
		return s.writeFailed(err)
	}
	if err := conn.WriteJSON(tts.NewTextMessage(s.utterance.Text)); err != nil {
		return s.writeFailed(err)
	}
	s.setState(StateStreaming)

	events := make(chan readResult, eventBuffer)
	go s.read(ctx, conn, events)

	for {
		select {
		case <-ctx.Done():
			if s.isInterrupted() {
				return s.stop()
			}
			return s.fail(ctx.Err(), "Speech cancelled")

		case res := <-events:
			if res.err != nil {
				return s.readFailed(res.err)
			}
			if s.handle(res.event) {
				return s.finish()
			}
		}
	}
}

// read pumps inbound messages to the session loop until the connection fails
func (s *Session) read(ctx context.Context, conn tts.Conn, events chan<- readResult) {
	for {
		_, data, err := conn.ReadMessage()
		var res readResult
		if err != nil {
			res.err = err
		} else {
			res.event, res.err = tts.ParseInbound(data)
		}

		select {
		case events <- res:
		case <-ctx.Done():
			return
		}
		if err != nil || res.err != nil {
			return
		}
	}
}

// handle applies one inbound message. Returns true once the stream is final.
func (s *Session) handle(event *tts.Event) bool {
	if len(event.PCM) > 0 {
		s.batcher.Accept(event.PCM)
		s.metrics.RecordAudioBytes("in", int64(len(event.PCM)))
	}

	// Visemes are scheduled as soon as their alignment arrives, never gated
	// on the audio flush.
	if event.Alignment != nil {
		s.translate(viseme.Alignment(*event.Alignment))
	}

	if s.batcher.ShouldFlush(event.IsFinal) {
		trigger := "threshold"
		if event.IsFinal {
			trigger = "final"
		}
		s.flush(trigger)
	}
	return event.IsFinal
}

func (s *Session) translate(al viseme.Alignment) {
	packet, offset, err := s.translator.Translate(al, s.offsetMs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping alignment batch")
		s.metrics.RecordError("malformed_alignment", "viseme")
		return
	}
	s.offsetMs = offset
	if packet == nil {
		return
	}
	s.visemes.Schedule(packet, s.utterance.Start)
}

// flush decodes the pending batch and places it on the playback timeline
func (s *Session) flush(trigger string) {
	pcm := s.batcher.Flush()
	if pcm == nil {
		return
	}

	buf, err := audio.Decode(pcm, s.format)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(pcm)).Msg("Dropping undecodable audio batch")
		s.metrics.RecordDecodeError()
		return
	}
	if !s.owned() {
		return
	}

	at, err := s.playback.ScheduleNext(buf)
	if err != nil {
		s.logger.Error().Err(err).Msg("Audio output rejected batch")
		s.metrics.RecordError("schedule_error", "playback")
		return
	}
	s.metrics.RecordBatchScheduled(trigger, len(pcm))

	s.logger.Debug().
		Str("trigger", trigger).
		Int("bytes", len(pcm)).
		Dur("duration", buf.Duration).
		Time("at", at).
		Msg("Audio batch scheduled")

	frame := dispatch.NewFrame(s.utterance.ID, dispatch.KindAudio, at)
	frame.Audio = buf.WAV
	frame.Level = audio.Level(buf.PCM)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := s.deps.Dispatcher.Dispatch(ctx, frame); err != nil {
		s.logger.Error().Err(err).Msg("Failed to dispatch audio frame")
	}
}

// finish drains the stream after the final message or a clean close
func (s *Session) finish() error {
	s.setState(StateDraining)
	s.flush("final")
	s.closeConn()
	s.setState(StateClosed)
	s.deps.Indicator.HideProcessing()
	s.metrics.RecordUtteranceEnd(StateClosed.String())

	s.logger.Info().
		Int("batches", s.playback.Batches()).
		Time("ends_at", s.Horizon()).
		Msg("Utterance stream complete")
	return nil
}

// stop tears down an interrupted session
func (s *Session) stop() error {
	s.visemes.Stop()
	s.closeConn()
	if s.owned() {
		s.deps.Output.Clear()
		s.deps.Indicator.HideProcessing()
	}
	s.setErr(ErrInterrupted)
	s.setState(StateClosed)
	s.metrics.RecordUtteranceEnd("interrupted")

	s.logger.Info().Msg("Utterance interrupted")
	return ErrInterrupted
}

// fail moves the session to Error and releases everything it scheduled
func (s *Session) fail(err error, message string) error {
	dropped := s.visemes.Pending()
	s.visemes.Stop()
	s.closeConn()
	if s.owned() {
		s.deps.Output.Clear()
		s.deps.Indicator.HideProcessing()
		s.deps.Indicator.ShowError(message)
	}
	s.setErr(err)
	s.setState(StateError)
	s.metrics.RecordError(errorType(err), "session")
	s.metrics.RecordUtteranceEnd(StateError.String())

	s.logger.Error().
		Err(err).
		Int("dropped_visemes", dropped).
		Int("pending_bytes", s.batcher.Pending()).
		Msg("Utterance failed")
	return err
}

func (s *Session) readFailed(err error) error {
	if s.isInterrupted() {
		return s.stop()
	}
	if tts.IsNormalClose(err) {
		// A clean close without isFinal still ends the stream
		s.logger.Debug().Msg("Service closed stream before final message")
		return s.finish()
	}

	var svcErr *tts.ServiceError
	if errors.As(err, &svcErr) {
		return s.fail(err, "TTS error")
	}
	var connErr *tts.ConnectionError
	if !errors.As(err, &connErr) && !isParseError(err) {
		err = &tts.ConnectionError{Op: "read", Err: err}
	}
	return s.fail(err, "TTS error")
}

func (s *Session) writeFailed(err error) error {
	if s.isInterrupted() {
		return s.stop()
	}
	return s.fail(&tts.ConnectionError{Op: "write", Err: err}, "TTS connection failed")
}

// setConn records the live connection. Returns false if the session was
// interrupted while dialing, in which case conn is closed.
func (s *Session) setConn(conn tts.Conn) bool {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.isInterrupted() {
		s.closeConn()
		return false
	}
	return true
}

// closeConn closes the connection exactly once
func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.closeOnce.Do(func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing TTS connection")
		}
	})
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	if s.onTransition != nil {
		s.onTransition(s, from, to)
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) isInterrupted() bool {
	select {
	case <-s.interrupt:
		return true
	default:
		return false
	}
}

func (s *Session) owned() bool {
	return s.owns == nil || s.owns(s.utterance.ID)
}

func isParseError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var b64Err base64.CorruptInputError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &b64Err)
}

func errorType(err error) string {
	var connErr *tts.ConnectionError
	var svcErr *tts.ServiceError
	switch {
	case errors.As(err, &connErr):
		return "connection_error"
	case errors.As(err, &svcErr):
		return "service_error"
	case isParseError(err):
		return "protocol_error"
	default:
		return "session_error"
	}
}
