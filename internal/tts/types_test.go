package tts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/config"
)

func TestParseInbound_AudioAndAlignment(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	raw := `{"audio":"` + base64.StdEncoding.EncodeToString(pcm) + `",` +
		`"alignment":{"chars":["h","i"," "],"charStartTimesMs":[0,100,200],"charDurationsMs":[100,100,50]},` +
		`"normalizedAlignment":null,"isFinal":null}`

	event, err := ParseInbound([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, pcm, event.PCM)
	require.NotNil(t, event.Alignment)
	assert.Equal(t, []string{"h", "i", " "}, event.Alignment.Chars)
	assert.Equal(t, []float64{0, 100, 200}, event.Alignment.CharStartTimesMs)
	assert.Equal(t, []float64{100, 100, 50}, event.Alignment.CharDurationsMs)
	assert.False(t, event.IsFinal)
}

func TestParseInbound_FinalWithoutAudio(t *testing.T) {
	event, err := ParseInbound([]byte(`{"isFinal":true}`))
	require.NoError(t, err)

	assert.True(t, event.IsFinal)
	assert.Nil(t, event.PCM)
	assert.Nil(t, event.Alignment)
}

func TestParseInbound_NullAudio(t *testing.T) {
	event, err := ParseInbound([]byte(`{"audio":null,"isFinal":true}`))
	require.NoError(t, err)
	assert.Nil(t, event.PCM)
}

func TestParseInbound_ServiceError(t *testing.T) {
	_, err := ParseInbound([]byte(`{"error":"invalid_api_key","message":"Invalid API key"}`))

	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "invalid_api_key", svcErr.Code)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestParseInbound_Garbage(t *testing.T) {
	_, err := ParseInbound([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseInbound([]byte(`{"audio":"***"}`))
	assert.Error(t, err)
}

func TestNewStreamStart(t *testing.T) {
	cfg := &config.Config{
		ElevenLabsAPIKey:    "xi-key",
		VoiceStability:      0.6,
		VoiceSimilarity:     0.7,
		ChunkLengthSchedule: []int{500, 500, 500, 500},
	}

	data, err := json.Marshal(NewStreamStart(cfg))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"text": " ",
		"voice_settings": {"stability": 0.6, "similarity_boost": 0.7},
		"generation_config": {"chunk_length_schedule": [500, 500, 500, 500]},
		"xi_api_key": "xi-key",
		"sync_alignment": true
	}`, string(data))
}

func TestNewTextMessage(t *testing.T) {
	data, err := json.Marshal(NewTextMessage("Hello there"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"Hello there ","flush":true}`, string(data))
}
