// Package speaker drives the system audio device from a playback timeline.
package speaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/playback"
)

const (
	defaultBufferSize = 100 * time.Millisecond
	readyTimeout      = 5 * time.Second
)

// Speaker is a playback.Output backed by the system audio device. The
// device pulls continuously from a timeline, so scheduled buffers start at
// their clock time and gaps play as silence.
type Speaker struct {
	context  *oto.Context
	player   *oto.Player
	timeline *playback.Timeline
	logger   zerolog.Logger
	mu       sync.Mutex
	closed   bool
}

// Open creates the audio device and starts the continuous player.
// Only one oto context may exist per process.
func Open(c clock.Clock, format audio.Format, bufferSize time.Duration, logger zerolog.Logger) (*Speaker, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("speaker supports 16-bit PCM only, got %d", format.BitsPerSample)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", format.Channels)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	options := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	}

	ctx, readyChan, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}

	select {
	case <-readyChan:
	case <-time.After(readyTimeout):
		return nil, errors.New("audio context not ready within timeout")
	}

	// Frame 0 of the timeline reaches the speaker once the device buffer drains
	timeline := playback.NewTimeline(format, c.Now().Add(bufferSize))
	player := ctx.NewPlayer(timeline)
	player.Play()

	logger.Info().
		Int("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Dur("buffer_size", bufferSize).
		Msg("Audio device opened")

	return &Speaker{
		context:  ctx,
		player:   player,
		timeline: timeline,
		logger:   logger,
	}, nil
}

// Schedule queues buf on the device timeline
func (s *Speaker) Schedule(buf *audio.PlayableBuffer, at time.Time) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return errors.New("speaker is closed")
	}
	return s.timeline.Schedule(buf, at)
}

// Clear silences the device immediately
func (s *Speaker) Clear() {
	s.timeline.Clear()
}

// End returns when the last scheduled buffer finishes playing
func (s *Speaker) End() time.Time {
	return s.timeline.End()
}

// Close stops the player. The oto context itself lives until process exit.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	pending := s.timeline.Pending()
	s.timeline.Clear()
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("close audio player: %w", err)
	}
	s.logger.Info().Int("dropped_buffers", pending).Msg("Audio device closed")
	return nil
}
