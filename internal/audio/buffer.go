package audio

import (
	"sync"
	"time"
)

// Batcher accumulates raw PCM chunks until enough audio is buffered to be
// worth decoding and scheduling as one playable unit.
type Batcher struct {
	chunks    [][]byte
	size      int // Running byte count since the last flush
	threshold int // Minimum bytes before a flush is due
	mu        sync.Mutex
}

// NewBatcher creates a batcher whose threshold covers minChunk of audio in
// the given format (sampleRate * bytesPerSample * channels * minChunk seconds).
func NewBatcher(format Format, minChunk time.Duration) *Batcher {
	return &Batcher{
		threshold: format.BytesFor(minChunk),
	}
}

// Accept appends a chunk to the pending batch
func (b *Batcher) Accept(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// ShouldFlush reports whether the pending batch reached the threshold.
// End of stream always flushes, whatever the size.
func (b *Batcher) ShouldFlush(endOfStream bool) bool {
	if endOfStream {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size >= b.threshold
}

// Flush concatenates the pending chunks and resets the byte counter.
// Returns nil when nothing is pending.
func (b *Batcher) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		b.chunks = nil
		return nil
	}

	merged := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		merged = append(merged, chunk...)
	}

	b.chunks = nil
	b.size = 0
	return merged
}

// Pending returns the number of bytes accumulated since the last flush
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Threshold returns the flush threshold in bytes
func (b *Batcher) Threshold() int {
	return b.threshold
}
