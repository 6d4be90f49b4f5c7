package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/journal"
	"github.com/lexiqai/avatar-speech/internal/tts"
)

var testStart = time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		ElevenLabsAPIKey:        "xi-key",
		ElevenLabsVoiceID:       "voice-1",
		ElevenLabsModelID:       "eleven_multilingual_v2",
		VoiceStability:          0.6,
		VoiceSimilarity:         0.7,
		ChunkLengthSchedule:     []int{500, 500, 500, 500},
		MinChunkMs:              600,
		ShortTextThresholdChars: 50,
		PreBufferTime:           3 * time.Second,
		SampleRate:              22050,
		BitsPerSample:           16,
		Channels:                1,
		VisemeSafetyMarginMs:    2,
		AudioOutput:             config.OutputDiscard,
	}
}

// inbound is one scripted service message
type inbound struct {
	data []byte
	err  error
}

func audioMsg(bytes int) inbound {
	return inbound{data: []byte(`{"audio":"` + base64.StdEncoding.EncodeToString(make([]byte, bytes)) + `"}`)}
}

func alignmentMsg(bytes int, chars []string, starts, durations []float64) inbound {
	msg := map[string]interface{}{
		"alignment": tts.Alignment{Chars: chars, CharStartTimesMs: starts, CharDurationsMs: durations},
	}
	if bytes > 0 {
		msg["audio"] = base64.StdEncoding.EncodeToString(make([]byte, bytes))
	}
	data, _ := json.Marshal(msg)
	return inbound{data: data}
}

func finalMsg() inbound {
	return inbound{data: []byte(`{"isFinal":true}`)}
}

func rawMsg(s string) inbound {
	return inbound{data: []byte(s)}
}

func closeMsg(code int) inbound {
	return inbound{err: &websocket.CloseError{Code: code}}
}

// fakeConn replays scripted messages, then blocks until closed
type fakeConn struct {
	messages chan inbound
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
	closes  int
}

func newFakeConn(msgs ...inbound) *fakeConn {
	c := &fakeConn{
		messages: make(chan inbound, len(msgs)+8),
		closed:   make(chan struct{}),
	}
	for _, m := range msgs {
		c.messages <- m
	}
	return c
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.messages:
		if m.err != nil {
			return 0, nil, m.err
		}
		return websocket.TextMessage, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// dialerFunc adapts a function to tts.Dialer
type dialerFunc func(ctx context.Context) (tts.Conn, error)

func (f dialerFunc) Dial(ctx context.Context) (tts.Conn, error) {
	return f(ctx)
}

func dialConn(c *fakeConn) tts.Dialer {
	return dialerFunc(func(ctx context.Context) (tts.Conn, error) {
		return c, nil
	})
}

type scheduledBuffer struct {
	buf *audio.PlayableBuffer
	at  time.Time
}

// fakeOutput records scheduled buffers
type fakeOutput struct {
	mu        sync.Mutex
	scheduled []scheduledBuffer
	clears    int
	err       error
}

func (o *fakeOutput) Schedule(buf *audio.PlayableBuffer, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.scheduled = append(o.scheduled, scheduledBuffer{buf: buf, at: at})
	return nil
}

func (o *fakeOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
}

func (o *fakeOutput) buffers() []scheduledBuffer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]scheduledBuffer(nil), o.scheduled...)
}

func (o *fakeOutput) clearCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clears
}

// frameRecorder collects dispatched frames
type frameRecorder struct {
	mu     sync.Mutex
	frames []*dispatch.Frame
}

func (r *frameRecorder) Dispatch(ctx context.Context, frame *dispatch.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *frameRecorder) ofKind(kind dispatch.Kind) []*dispatch.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*dispatch.Frame
	for _, f := range r.frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

type fakeIndicator struct {
	mu         sync.Mutex
	processing int
	hidden     int
	errors     []string
}

func (i *fakeIndicator) ShowProcessing() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.processing++
}

func (i *fakeIndicator) HideProcessing() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hidden++
}

func (i *fakeIndicator) ShowError(message string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errors = append(i.errors, message)
}

func (i *fakeIndicator) shownErrors() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.errors...)
}

type responderFunc func(ctx context.Context, message string) (string, error)

func (f responderFunc) Send(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	states  map[string][]string
	details map[string]string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{states: make(map[string][]string), details: make(map[string]string)}
}

func (j *fakeJournal) Begin(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *fakeJournal) Transition(ctx context.Context, id, state, detail string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[id] = append(j.states[id], state)
	if detail != "" {
		j.details[id] = detail
	}
	return nil
}

func (j *fakeJournal) history(id string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.states[id]...)
}

// harness bundles the collaborators of a session under test
type harness struct {
	clock      *clock.Manual
	output     *fakeOutput
	dispatcher *frameRecorder
	indicator  *fakeIndicator
}

func newHarness() *harness {
	return &harness{
		clock:      clock.NewManual(testStart),
		output:     &fakeOutput{},
		dispatcher: &frameRecorder{},
		indicator:  &fakeIndicator{},
	}
}

func (h *harness) deps(dialer tts.Dialer) Deps {
	return Deps{
		Clock:      h.clock,
		Dialer:     dialer,
		Output:     h.output,
		Dispatcher: h.dispatcher,
		Indicator:  h.indicator,
		Logger:     zerolog.Nop(),
	}
}

func (h *harness) session(t *testing.T, text string, conn *fakeConn) *Session {
	t.Helper()
	return NewSession(SessionConfig{Config: testConfig(), Text: text}, h.deps(dialConn(conn)))
}
