package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		ElevenLabsAPIKey:           "xi-key",
		ElevenLabsVoiceID:          "voice-1",
		ElevenLabsModelID:          "eleven_multilingual_v2",
		ElevenLabsBaseURL:          baseURL,
		VoiceStability:             0.6,
		VoiceSimilarity:            0.7,
		ChunkLengthSchedule:        []int{500},
		DialTimeout:                2 * time.Second,
		SampleRate:                 22050,
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 30,
	}
}

func TestStreamURL(t *testing.T) {
	u, err := StreamURL("", "h0ohITIKDySy6v3xOg7H", "eleven_multilingual_v2", 22050)
	require.NoError(t, err)
	assert.Equal(t,
		"wss://api.elevenlabs.io/v1/text-to-speech/h0ohITIKDySy6v3xOg7H/stream-input?model_id=eleven_multilingual_v2&output_format=pcm_22050",
		u)

	u, err = StreamURL("ws://127.0.0.1:9000/v1/", "v", "m", 16000)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/v1/text-to-speech/v/stream-input?model_id=m&output_format=pcm_16000", u)
}

func TestWSDialer_DialSendsKeyAndReceives(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotKey := make(chan string, 1)
	gotPath := make(chan string, 1)
	gotStart := make(chan StreamStart, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get("xi-api-key")
		gotPath <- r.URL.Path + "?" + r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var start StreamStart
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		gotStart <- start
		conn.WriteMessage(websocket.TextMessage, []byte(`{"isFinal":true}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http") + "/v1")
	d, err := NewWSDialer(cfg, zerolog.Nop())
	require.NoError(t, err)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(NewStreamStart(cfg)))

	assert.Equal(t, "xi-key", <-gotKey)
	assert.Equal(t, "/v1/text-to-speech/voice-1/stream-input?model_id=eleven_multilingual_v2&output_format=pcm_22050", <-gotPath)
	start := <-gotStart
	assert.True(t, start.SyncAlignment)
	assert.Equal(t, " ", start.Text)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := ParseInbound(data)
	require.NoError(t, err)
	assert.True(t, event.IsFinal)

	_, _, err = conn.ReadMessage()
	assert.True(t, IsNormalClose(err))
}

func TestWSDialer_DialFailureOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, err := NewWSDialer(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background())
		var connErr *ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, "dial", connErr.Op)
		assert.Contains(t, err.Error(), "401")
	}

	healthy, err := d.Healthy(context.Background())
	assert.False(t, healthy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 requests failed")

	// Open circuit fails without reaching the server
	_, err = d.Dial(context.Background())
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
}

func TestConnectionError(t *testing.T) {
	base := errors.New("connection reset by peer")
	err := &ConnectionError{Op: "read", Err: base}

	assert.Equal(t, "tts connection read: connection reset by peer", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestIsNormalClose(t *testing.T) {
	assert.True(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, IsNormalClose(errors.New("eof")))
}
