package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

// DefaultBaseURL is the ElevenLabs websocket API root
const DefaultBaseURL = "wss://api.elevenlabs.io/v1"

// ConnectionError reports a failure of the duplex connection. Sessions do
// not retry: the utterance ends in the error state.
type ConnectionError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tts connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conn is one duplex stream-input connection
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens stream-input connections
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// IsNormalClose reports whether err is the service closing the stream cleanly
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// StreamURL builds the stream-input endpoint for a voice
func StreamURL(baseURL, voiceID, modelID string, sampleRate int) (string, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid tts base url: %w", err)
	}
	u = u.JoinPath("text-to-speech", voiceID, "stream-input")

	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", "pcm_"+strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStreamStart builds the opening message from configuration
func NewStreamStart(cfg *config.Config) StreamStart {
	return StreamStart{
		Text: " ",
		VoiceSettings: VoiceSettings{
			Stability:       cfg.VoiceStability,
			SimilarityBoost: cfg.VoiceSimilarity,
		},
		GenerationConfig: GenerationConfig{
			ChunkLengthSchedule: cfg.ChunkLengthSchedule,
		},
		APIKey:        cfg.ElevenLabsAPIKey,
		SyncAlignment: true,
	}
}

// NewTextMessage wraps the utterance text. The trailing space tells the
// service the text is complete.
func NewTextMessage(text string) TextMessage {
	return TextMessage{Text: text + " ", Flush: true}
}

// WSDialer dials ElevenLabs over websocket behind a circuit breaker
type WSDialer struct {
	config         *config.Config
	url            string
	dialer         *websocket.Dialer
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewWSDialer creates a dialer for the configured voice
func NewWSDialer(cfg *config.Config, logger zerolog.Logger) (*WSDialer, error) {
	endpoint, err := StreamURL(cfg.ElevenLabsBaseURL, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	circuitBreaker := resilience.NewCircuitBreaker(
		"elevenlabs",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})

	return &WSDialer{
		config: cfg,
		url:    endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		circuitBreaker: circuitBreaker,
		logger:         logger,
	}, nil
}

// URL returns the endpoint this dialer connects to
func (d *WSDialer) URL() string {
	return d.url
}

// Dial opens a new connection. An open circuit fails without network I/O.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("xi-api-key", d.config.ElevenLabsAPIKey)

	var conn *websocket.Conn
	err := d.circuitBreaker.Call(ctx, func(ctx context.Context) error {
		c, resp, err := d.dialer.DialContext(ctx, d.url, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	d.logger.Debug().Str("url", d.url).Msg("Connected to ElevenLabs")
	return conn, nil
}

// Healthy reports whether the circuit allows dialing
func (d *WSDialer) Healthy(ctx context.Context) (bool, error) {
	if d.circuitBreaker.GetState() != resilience.StateOpen {
		return true, nil
	}
	state, requests, failures, rate := d.circuitBreaker.GetStats()
	return false, fmt.Errorf("elevenlabs circuit %s: %d of %d requests failed (%.0f%%)", state, failures, requests, rate)
}
