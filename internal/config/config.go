package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/avatar-speech/internal/audio"
)

// Audio output modes
const (
	OutputSpeaker = "speaker" // System audio device
	OutputDiscard = "discard" // Audio reaches renderers only through dispatch frames
)

// Config holds all configuration for the avatar speech service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// ElevenLabs stream-input configuration
	ElevenLabsAPIKey    string        `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID   string        `envconfig:"ELEVENLABS_VOICE_ID" default:"h0ohITIKDySy6v3xOg7H"`
	ElevenLabsModelID   string        `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_multilingual_v2"`
	ElevenLabsBaseURL   string        `envconfig:"ELEVENLABS_BASE_URL" default:"wss://api.elevenlabs.io/v1"`
	VoiceStability      float64       `envconfig:"VOICE_STABILITY" default:"0.6"`
	VoiceSimilarity     float64       `envconfig:"VOICE_SIMILARITY" default:"0.7"`
	ChunkLengthSchedule []int         `envconfig:"CHUNK_LENGTH_SCHEDULE" default:"500,500,500,500"`
	DialTimeout         time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`

	// Scheduling configuration
	MinChunkMs              int           `envconfig:"MIN_CHUNK_MS" default:"600"`              // Audio buffered before a batch is scheduled
	ShortTextThresholdChars int           `envconfig:"SHORT_TEXT_THRESHOLD_CHARS" default:"50"` // Texts at or below this start without pre-buffer
	PreBufferTime           time.Duration `envconfig:"PRE_BUFFER_TIME" default:"3s"`            // Pre-buffer window for longer texts
	SampleRate              int           `envconfig:"SAMPLE_RATE" default:"22050"`             // Requested PCM sample rate
	BitsPerSample           int           `envconfig:"BITS_PER_SAMPLE" default:"16"`            // PCM bit depth
	Channels                int           `envconfig:"CHANNELS" default:"1"`                    // PCM channel count
	VisemeSafetyMarginMs    int           `envconfig:"VISEME_SAFETY_MARGIN_MS" default:"2"`     // Subtracted from viseme dispatch delays
	DispatchWords           bool          `envconfig:"DISPATCH_WORDS" default:"false"`          // Attach word timings to viseme frames
	AudioOutput             string        `envconfig:"AUDIO_OUTPUT" default:"speaker"`          // speaker or discard
	AudioBufferMs           int           `envconfig:"AUDIO_BUFFER_MS" default:"100"`           // Device buffer for the speaker output

	// Chat responder (external language model service)
	ChatURL     string `envconfig:"CHAT_URL" default:""`
	ChatTimeout int    `envconfig:"CHAT_TIMEOUT" default:"30"` // seconds

	// Renderer dispatch
	NATSURL     string `envconfig:"NATS_URL" default:""`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"avatar.frames"`

	// Utterance journal (SQLite); empty disables it
	JournalPath      string        `envconfig:"JOURNAL_PATH" default:""`
	JournalRetention time.Duration `envconfig:"JOURNAL_RETENTION" default:"168h"` // Pruned at serve startup; 0 keeps everything

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Chat request attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// ConfigError reports a missing or invalid setting. It is returned before
// any network I/O takes place.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.ElevenLabsAPIKey == "" {
		return &ConfigError{Field: "ELEVENLABS_API_KEY", Reason: "is required"}
	}
	if c.ElevenLabsVoiceID == "" {
		return &ConfigError{Field: "ELEVENLABS_VOICE_ID", Reason: "is required"}
	}
	if len(c.ChunkLengthSchedule) == 0 {
		return &ConfigError{Field: "CHUNK_LENGTH_SCHEDULE", Reason: "must list at least one chunk length"}
	}
	if err := c.AudioFormat().Validate(); err != nil {
		return &ConfigError{Field: "SAMPLE_RATE/BITS_PER_SAMPLE/CHANNELS", Reason: err.Error()}
	}
	if c.MinChunkMs <= 0 {
		return &ConfigError{Field: "MIN_CHUNK_MS", Reason: "must be positive"}
	}
	if c.ShortTextThresholdChars < 0 {
		return &ConfigError{Field: "SHORT_TEXT_THRESHOLD_CHARS", Reason: "must not be negative"}
	}
	if c.PreBufferTime < 0 {
		return &ConfigError{Field: "PRE_BUFFER_TIME", Reason: "must not be negative"}
	}
	if c.VisemeSafetyMarginMs < 0 {
		return &ConfigError{Field: "VISEME_SAFETY_MARGIN_MS", Reason: "must not be negative"}
	}
	if c.JournalRetention < 0 {
		return &ConfigError{Field: "JOURNAL_RETENTION", Reason: "must not be negative"}
	}
	switch c.AudioOutput {
	case OutputSpeaker, OutputDiscard:
	default:
		return &ConfigError{Field: "AUDIO_OUTPUT", Reason: fmt.Sprintf("must be %q or %q, got %q", OutputSpeaker, OutputDiscard, c.AudioOutput)}
	}
	return nil
}

// AudioFormat returns the PCM format requested from the TTS service
func (c *Config) AudioFormat() audio.Format {
	return audio.Format{
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		BitsPerSample: c.BitsPerSample,
	}
}

// MinChunk returns the minimum batch duration
func (c *Config) MinChunk() time.Duration {
	return time.Duration(c.MinChunkMs) * time.Millisecond
}

// VisemeMargin returns the viseme dispatch safety margin
func (c *Config) VisemeMargin() time.Duration {
	return time.Duration(c.VisemeSafetyMarginMs) * time.Millisecond
}
