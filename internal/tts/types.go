package tts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// VoiceSettings tunes the synthesized voice
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// GenerationConfig controls how eagerly the service emits audio
type GenerationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// StreamStart is the first message on a stream-input connection
type StreamStart struct {
	Text             string           `json:"text"` // Always a single space
	VoiceSettings    VoiceSettings    `json:"voice_settings"`
	GenerationConfig GenerationConfig `json:"generation_config"`
	APIKey           string           `json:"xi_api_key"`
	SyncAlignment    bool             `json:"sync_alignment"`
}

// TextMessage carries text to synthesize
type TextMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush"`
}

// Alignment is per-character timing in batch-local milliseconds
type Alignment struct {
	Chars            []string  `json:"chars"`
	CharStartTimesMs []float64 `json:"charStartTimesMs"`
	CharDurationsMs  []float64 `json:"charDurationsMs"`
}

// Inbound is a message received from the service. Audio is base64 PCM.
type Inbound struct {
	Audio               string     `json:"audio"`
	Alignment           *Alignment `json:"alignment"`
	NormalizedAlignment *Alignment `json:"normalizedAlignment"`
	IsFinal             bool       `json:"isFinal"`
	Error               string     `json:"error"`
	Message             string     `json:"message"`
}

// ServiceError is an error reported by the service in-band
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tts service error: %s", e.Code)
	}
	return fmt.Sprintf("tts service error: %s: %s", e.Code, e.Message)
}

// Event is a parsed inbound message with its audio decoded
type Event struct {
	PCM       []byte
	Alignment *Alignment
	IsFinal   bool
}

// ParseInbound decodes a raw service message. Messages carrying an error
// field yield a *ServiceError.
func ParseInbound(data []byte) (*Event, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unparseable tts message: %w", err)
	}
	if msg.Error != "" {
		return nil, &ServiceError{Code: msg.Error, Message: msg.Message}
	}

	event := &Event{
		Alignment: msg.Alignment,
		IsFinal:   msg.IsFinal,
	}
	if msg.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, fmt.Errorf("invalid audio payload: %w", err)
		}
		event.PCM = pcm
	}
	return event, nil
}
