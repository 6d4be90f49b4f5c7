package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// 100ms of 22050 Hz mono 16-bit audio
const chunk100ms = 4410

func TestSession_SubThresholdAudioFlushesOnceOnFinal(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(audioMsg(chunk100ms), audioMsg(chunk100ms), finalMsg())
	s := h.session(t, "Hello", conn)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, conn.closeCount())

	buffers := h.output.buffers()
	require.Len(t, buffers, 1)
	assert.Equal(t, testStart, buffers[0].at, "short text plays without pre-buffer")
	assert.Equal(t, 2*chunk100ms/2, buffers[0].buf.Frames)
	assert.Equal(t, 200*time.Millisecond, buffers[0].buf.Duration)

	audioFrames := h.dispatcher.ofKind(dispatch.KindAudio)
	require.Len(t, audioFrames, 1)
	assert.Equal(t, s.ID(), audioFrames[0].SessionID)
	assert.Equal(t, buffers[0].buf.WAV, audioFrames[0].Audio)

	assert.Equal(t, testStart.Add(200*time.Millisecond), s.Horizon())
	assert.Equal(t, 1, h.indicator.processing)
	assert.Equal(t, 1, h.indicator.hidden)
	assert.Empty(t, h.indicator.shownErrors())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		var m map[string]interface{}
		if json.Unmarshal(line, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestSession_LogsCharacterCount(t *testing.T) {
	h := newHarness()
	logs := &lockedBuffer{}
	deps := h.deps(dialConn(newFakeConn(finalMsg())))
	deps.Logger = zerolog.New(logs)

	// 11 characters, 13 bytes
	s := NewSession(SessionConfig{Config: testConfig(), Text: "héllo wörld"}, deps)
	require.NoError(t, s.Run(context.Background()))

	var found bool
	for _, line := range logs.lines() {
		if line["message"] == "Speaking utterance" {
			found = true
			assert.Equal(t, float64(11), line["chars"])
		}
	}
	assert.True(t, found, "expected the utterance start to be logged")
}

func TestSession_SendsStreamStartThenText(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(finalMsg())
	s := h.session(t, "Hello there", conn)

	require.NoError(t, s.Run(context.Background()))

	writes := conn.writes()
	require.Len(t, writes, 2)

	var start tts.StreamStart
	require.NoError(t, json.Unmarshal(writes[0], &start))
	assert.Equal(t, " ", start.Text)
	assert.Equal(t, "xi-key", start.APIKey)
	assert.True(t, start.SyncAlignment)
	assert.Equal(t, 0.6, start.VoiceSettings.Stability)
	assert.Equal(t, []int{500, 500, 500, 500}, start.GenerationConfig.ChunkLengthSchedule)

	assert.JSONEq(t, `{"text":"Hello there ","flush":true}`, string(writes[1]))

	// Final without audio closes cleanly with nothing scheduled
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, h.output.buffers())
	assert.True(t, s.Horizon().IsZero())
}

func TestSession_ThresholdBatchesAreGapless(t *testing.T) {
	h := newHarness()
	// 300ms chunks: the second crosses the 600ms threshold, the third is flushed by isFinal
	conn := newFakeConn(audioMsg(3*chunk100ms), audioMsg(3*chunk100ms), audioMsg(3*chunk100ms), finalMsg())
	s := h.session(t, "Hi", conn)

	require.NoError(t, s.Run(context.Background()))

	buffers := h.output.buffers()
	require.Len(t, buffers, 2)
	assert.Equal(t, 600*time.Millisecond, buffers[0].buf.Duration)
	assert.Equal(t, 300*time.Millisecond, buffers[1].buf.Duration)
	assert.Equal(t, testStart, buffers[0].at)
	assert.Equal(t, buffers[0].at.Add(buffers[0].buf.Duration), buffers[1].at)
	assert.Equal(t, testStart.Add(900*time.Millisecond), s.Horizon())
}

func TestSession_LongTextIsPreBuffered(t *testing.T) {
	h := newHarness()
	text := strings.Repeat("word ", 16) // 64 non-space characters
	conn := newFakeConn(audioMsg(chunk100ms), finalMsg())
	s := h.session(t, text, conn)

	assert.Equal(t, 3*time.Second, s.Utterance().PreBuffer)
	assert.Equal(t, testStart.Add(3*time.Second), s.Utterance().Start)

	require.NoError(t, s.Run(context.Background()))

	buffers := h.output.buffers()
	require.Len(t, buffers, 1)
	assert.Equal(t, testStart.Add(3*time.Second), buffers[0].at)
}

func TestSession_VisemesScheduledOnArrival(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(
		alignmentMsg(chunk100ms, []string{"h", "i", " "}, []float64{0, 100, 200}, []float64{100, 100, 50}),
		alignmentMsg(chunk100ms, []string{"o", "k"}, []float64{0, 120}, []float64{120, 100}),
		finalMsg(),
	)
	s := h.session(t, "hi ok", conn)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 470.0, s.offsetMs)

	// First packet launches at the utterance start
	h.clock.Advance(0)
	frames := h.dispatcher.ofKind(dispatch.KindViseme)
	require.Len(t, frames, 1)
	assert.Equal(t, []string{viseme.Silence, "viseme_I", viseme.Silence}, frames[0].Visemes)
	assert.Equal(t, []float64{0, 100, 200}, frames[0].VTimes)
	assert.Equal(t, []float64{100, 100, 50}, frames[0].VDurations)
	assert.Equal(t, testStart, frames[0].At)

	// Second packet starts where the first batch's clock ended (250ms),
	// dispatched 2ms early
	h.clock.Advance(247 * time.Millisecond)
	assert.Len(t, h.dispatcher.ofKind(dispatch.KindViseme), 1)
	h.clock.Advance(time.Millisecond)
	frames = h.dispatcher.ofKind(dispatch.KindViseme)
	require.Len(t, frames, 2)
	assert.Equal(t, []string{"viseme_O", "viseme_kk"}, frames[1].Visemes)
	assert.Equal(t, []float64{0, 120}, frames[1].VTimes)
	assert.Equal(t, testStart.Add(250*time.Millisecond), frames[1].At)
	assert.Empty(t, frames[1].Words)

	// Audio is still a single gapless batch covering both messages
	require.Len(t, h.output.buffers(), 1)
}

func TestSession_MalformedAlignmentDropped(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(
		alignmentMsg(chunk100ms, []string{"a", "b"}, []float64{0}, []float64{100, 100}),
		alignmentMsg(0, []string{"a"}, []float64{0}, []float64{100}),
		finalMsg(),
	)
	s := h.session(t, "ab a", conn)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 100.0, s.offsetMs, "the malformed batch does not move the clock")

	h.clock.Advance(0)
	frames := h.dispatcher.ofKind(dispatch.KindViseme)
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"viseme_aa"}, frames[0].Visemes)
	assert.Equal(t, testStart, frames[0].At)
}

func TestSession_UndecodableBatchDropped(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(audioMsg(1), finalMsg())
	s := h.session(t, "Hi", conn)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, h.output.buffers())
}

func TestSession_OutputRejectionKeepsPointer(t *testing.T) {
	h := newHarness()
	h.output.err = errors.New("device lost")
	conn := newFakeConn(audioMsg(chunk100ms), finalMsg())
	s := h.session(t, "Hi", conn)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, testStart, s.playback.NextPlay())
	assert.Empty(t, h.dispatcher.ofKind(dispatch.KindAudio))
}

func TestSession_NormalCloseEndsStream(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(audioMsg(chunk100ms), closeMsg(websocket.CloseNormalClosure))
	s := h.session(t, "Hi", conn)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateClosed, s.State())
	require.Len(t, h.output.buffers(), 1)
	assert.Equal(t, 1, conn.closeCount())
}

func TestSession_ServiceErrorFails(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(
		alignmentMsg(chunk100ms, []string{"a"}, []float64{0}, []float64{100}),
		rawMsg(`{"error":"quota_exceeded","message":"Quota exceeded"}`),
	)
	s := h.session(t, "Hello", conn)

	err := s.Run(context.Background())

	var svcErr *tts.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "quota_exceeded", svcErr.Code)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, err, s.Err())

	assert.Equal(t, []string{"TTS error"}, h.indicator.shownErrors())
	assert.Equal(t, 1, h.indicator.hidden)
	assert.Equal(t, 1, h.output.clearCount())
	assert.Equal(t, 1, conn.closeCount())
	assert.Empty(t, h.output.buffers())
	assert.True(t, s.Horizon().IsZero())

	// The packet scheduled before the failure never fires
	assert.Equal(t, 0, s.visemes.Pending())
	h.clock.Advance(time.Second)
	assert.Empty(t, h.dispatcher.ofKind(dispatch.KindViseme))
}

func TestSession_AbnormalCloseFails(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(closeMsg(websocket.CloseAbnormalClosure))
	s := h.session(t, "Hello", conn)

	err := s.Run(context.Background())

	var connErr *tts.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "read", connErr.Op)
	assert.Equal(t, StateError, s.State())
}

func TestSession_UnparseableMessageFails(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(rawMsg(`{not json`))
	s := h.session(t, "Hello", conn)

	err := s.Run(context.Background())

	require.Error(t, err)
	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, "protocol_error", errorType(err))
}

func TestSession_DialFailure(t *testing.T) {
	h := newHarness()
	dialErr := &tts.ConnectionError{Op: "dial", Err: errors.New("connection refused")}
	s := NewSession(SessionConfig{Config: testConfig(), Text: "Hello"}, h.deps(dialerFunc(func(ctx context.Context) (tts.Conn, error) {
		return nil, dialErr
	})))

	err := s.Run(context.Background())

	assert.Equal(t, dialErr, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, []string{"TTS connection failed"}, h.indicator.shownErrors())
}

func TestSession_InterruptWhileStreaming(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(alignmentMsg(chunk100ms, []string{"a"}, []float64{400}, []float64{100}))
	s := h.session(t, "Hello", conn)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return s.State() == StateStreaming && s.visemes.Pending() == 1
	}, time.Second, time.Millisecond)

	s.Interrupt()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Interrupt")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 1, h.output.clearCount())
	assert.Empty(t, h.indicator.shownErrors())

	h.clock.Advance(time.Second)
	assert.Empty(t, h.dispatcher.ofKind(dispatch.KindViseme))
}

func TestSession_TransitionsInOrder(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(audioMsg(chunk100ms), finalMsg())

	var states []State
	s := NewSession(SessionConfig{
		Config: testConfig(),
		Text:   "Hi",
		OnTransition: func(s *Session, from, to State) {
			states = append(states, to)
		},
	}, h.deps(dialConn(conn)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []State{StateConnecting, StateStreaming, StateDraining, StateClosed}, states)
}

func TestSession_NotOwnedSkipsOutput(t *testing.T) {
	h := newHarness()
	conn := newFakeConn(audioMsg(chunk100ms), finalMsg())
	s := NewSession(SessionConfig{
		Config: testConfig(),
		Text:   "Hi",
		Owns:   func(string) bool { return false },
	}, h.deps(dialConn(conn)))

	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, h.output.buffers())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.True(t, StateError.Terminal())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateDraining.Terminal())
}
