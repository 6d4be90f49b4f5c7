package audio

import (
	"fmt"
	"time"
)

// Format describes linear PCM audio
type Format struct {
	SampleRate    int // Sample rate in Hz (22050 for the ElevenLabs pcm_22050 stream)
	Channels      int // Number of channels (1 for mono)
	BitsPerSample int // Bit depth (16 for signed little-endian PCM)
}

// DefaultFormat returns the format the TTS stream is requested in
func DefaultFormat() Format {
	return Format{
		SampleRate:    22050,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSample returns the byte width of one sample
func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8
}

// BlockAlign returns the byte width of one frame (one sample per channel)
func (f Format) BlockAlign() int {
	return f.Channels * f.BytesPerSample()
}

// ByteRate returns the number of bytes per second of audio
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// BytesFor returns the number of bytes covering d, rounded down to whole bytes
func (f Format) BytesFor(d time.Duration) int {
	return int(int64(f.ByteRate()) * int64(d) / int64(time.Second))
}

// FramesToDuration converts a frame count to playback time
func (f Format) FramesToDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the format can be wrapped in a PCM container
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", f.BitsPerSample)
	}
	return nil
}
