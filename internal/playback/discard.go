package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/avatar-speech/internal/audio"
)

// Discard is an Output for hosts without a sound device. Buffers are
// accepted and dropped; renderers still get the audio through dispatch.
type Discard struct {
	mu  sync.Mutex
	end time.Time
}

// NewDiscard creates a discarding output
func NewDiscard() *Discard {
	return &Discard{}
}

// Schedule records the buffer's end time and drops it
func (d *Discard) Schedule(buf *audio.PlayableBuffer, at time.Time) error {
	if buf == nil {
		return fmt.Errorf("discard: nil buffer")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if end := at.Add(buf.Duration); end.After(d.end) {
		d.end = end
	}
	return nil
}

// Clear forgets everything scheduled
func (d *Discard) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.end = time.Time{}
}

// End returns when the last accepted buffer would have stopped playing
func (d *Discard) End() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.end
}
