package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/avatar-speech/internal/audio"
)

// ErrFormatMismatch is returned when a buffer does not match the timeline format
var ErrFormatMismatch = errors.New("buffer format does not match output")

type clip struct {
	startFrame int64
	pcm        []byte
}

// Timeline is a sample-accurate Output. Scheduled buffers are placed at
// the frame matching their start time; Read renders the timeline as a
// continuous 16-bit PCM stream with silence in the gaps.
type Timeline struct {
	format audio.Format
	origin time.Time // Clock time of frame 0; set by the first buffer when zero
	cursor int64     // Next frame Read will render
	clips  []clip
	mu     sync.Mutex
}

// NewTimeline creates a timeline whose frame 0 plays at origin. A zero
// origin is taken from the first scheduled buffer.
func NewTimeline(format audio.Format, origin time.Time) *Timeline {
	return &Timeline{
		format: format,
		origin: origin,
	}
}

// Format returns the PCM format rendered by Read
func (t *Timeline) Format() audio.Format {
	return t.format
}

// Schedule places buf on the timeline at the given time. Frames that fall
// before the render cursor are already gone and are dropped.
func (t *Timeline) Schedule(buf *audio.PlayableBuffer, at time.Time) error {
	if buf.Format != t.format {
		return fmt.Errorf("%w: got %d Hz/%d ch/%d bit, want %d Hz/%d ch/%d bit", ErrFormatMismatch,
			buf.Format.SampleRate, buf.Format.Channels, buf.Format.BitsPerSample,
			t.format.SampleRate, t.format.Channels, t.format.BitsPerSample)
	}
	if t.format.BitsPerSample != 16 {
		return fmt.Errorf("%w: only 16-bit PCM can be mixed", ErrFormatMismatch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.origin.IsZero() {
		t.origin = at
	}

	start := t.frameAt(at)
	pcm := buf.PCM
	if start < t.cursor {
		skip := (t.cursor - start) * int64(t.format.BlockAlign())
		if skip >= int64(len(pcm)) {
			return nil
		}
		pcm = pcm[skip:]
		start = t.cursor
	}

	t.clips = append(t.clips, clip{startFrame: start, pcm: pcm})
	return nil
}

// Clear drops every scheduled buffer
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clips = nil
}

// Read renders the next len(p) bytes, rounded down to whole frames.
// It never returns io.EOF: an empty timeline renders silence.
func (t *Timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blockAlign := t.format.BlockAlign()
	n := len(p) - len(p)%blockAlign
	if n == 0 {
		return 0, nil
	}
	t.renderLocked(p[:n])
	return n, nil
}

// Drain renders everything from the cursor to the end of the last buffer
func (t *Timeline) Drain() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.endFrameLocked()
	if end <= t.cursor {
		return nil
	}
	out := make([]byte, (end-t.cursor)*int64(t.format.BlockAlign()))
	t.renderLocked(out)
	return out
}

// End returns the clock time at which the last scheduled buffer finishes
func (t *Timeline) End() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.origin.Add(t.format.FramesToDuration(int(t.endFrameLocked())))
}

// Pending returns the number of buffers not yet fully rendered
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clips)
}

func (t *Timeline) frameAt(at time.Time) int64 {
	offset := at.Sub(t.origin)
	return int64((offset.Seconds() * float64(t.format.SampleRate)) + 0.5)
}

func (t *Timeline) endFrameLocked() int64 {
	end := t.cursor
	blockAlign := int64(t.format.BlockAlign())
	for _, c := range t.clips {
		if e := c.startFrame + int64(len(c.pcm))/blockAlign; e > end {
			end = e
		}
	}
	return end
}

// renderLocked mixes the window [cursor, cursor+len(dst)) into dst and
// advances the cursor
func (t *Timeline) renderLocked(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}

	blockAlign := int64(t.format.BlockAlign())
	winStart := t.cursor
	winEnd := winStart + int64(len(dst))/blockAlign

	live := t.clips[:0]
	for _, c := range t.clips {
		clipEnd := c.startFrame + int64(len(c.pcm))/blockAlign
		if c.startFrame < winEnd && clipEnd > winStart {
			from := max(c.startFrame, winStart)
			to := min(clipEnd, winEnd)
			src := c.pcm[(from-c.startFrame)*blockAlign : (to-c.startFrame)*blockAlign]
			audio.MixInto(dst[(from-winStart)*blockAlign:], src)
		}
		if clipEnd > winEnd {
			live = append(live, c)
		}
	}
	t.clips = live
	t.cursor = winEnd
}
