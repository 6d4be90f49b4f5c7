// Package playback places decoded audio batches on a single gapless
// timeline and hands them to the audio output device.
package playback

import (
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/clock"
)

// Output is the audio output device handle
type Output interface {
	// Schedule queues buf to start playing at the given clock time
	Schedule(buf *audio.PlayableBuffer, at time.Time) error
	// Clear drops everything queued and stops playback
	Clear()
}

// PreBufferDelay returns the delay before the first sample plays. Short
// texts (non-whitespace rune count at or below thresholdChars) start
// immediately; longer texts wait for window so the stream can build up
// ahead of the playhead.
func PreBufferDelay(text string, thresholdChars int, window time.Duration) time.Duration {
	count := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			count++
		}
	}
	if count <= thresholdChars {
		return 0
	}
	return window
}

// Scheduler owns the next-play pointer of one utterance. Every buffer
// starts exactly where the previous one ended.
type Scheduler struct {
	out      Output
	start    time.Time
	nextPlay time.Time
	batches  int
	mu       sync.Mutex
}

// NewScheduler creates a scheduler whose first buffer plays at now + delay
func NewScheduler(c clock.Clock, out Output, delay time.Duration) *Scheduler {
	start := c.Now().Add(delay)
	return &Scheduler{
		out:      out,
		start:    start,
		nextPlay: start,
	}
}

// ScheduleNext hands buf to the output at the current next-play time and
// advances the pointer by the buffer's duration. If the output rejects
// the buffer the pointer does not move.
func (s *Scheduler) ScheduleNext(buf *audio.PlayableBuffer) (time.Time, error) {
	if buf == nil {
		return time.Time{}, fmt.Errorf("schedule audio: nil buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.nextPlay
	if err := s.out.Schedule(buf, at); err != nil {
		return at, fmt.Errorf("schedule audio at %s: %w", at.Format(time.RFC3339Nano), err)
	}
	s.nextPlay = at.Add(buf.Duration)
	s.batches++
	return at, nil
}

// Start returns the utterance start time (the initial next-play time)
func (s *Scheduler) Start() time.Time {
	return s.start
}

// NextPlay returns the time the next buffer will start
func (s *Scheduler) NextPlay() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlay
}

// Batches returns the number of buffers scheduled
func (s *Scheduler) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}
