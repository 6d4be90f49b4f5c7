package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/go-audio/wav"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header
const WAVHeaderSize = 44

// DecodeError is returned when a batch cannot be turned into a playable buffer.
// It never terminates a session: the batch is dropped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode audio: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode audio: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PlayableBuffer is decoded audio ready to hand to an output device
type PlayableBuffer struct {
	PCM      []byte        // Raw PCM payload trimmed to whole frames
	WAV      []byte        // PCM wrapped in a WAV container
	Format   Format        // Format reported by the container parser
	Frames   int           // Sample frames (samples per channel)
	Duration time.Duration // Exact playback duration
}

// EncodeWAV prefixes pcm with a 44-byte RIFF/WAVE header. The payload is
// trimmed to whole sample frames so the data size is block-aligned.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.BlockAlign()
	dataLen := len(pcm)
	if blockAlign > 0 {
		dataLen -= dataLen % blockAlign
	}

	out := make([]byte, WAVHeaderSize+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	copy(out[WAVHeaderSize:], pcm[:dataLen])

	return out
}

// Decode wraps raw PCM in a WAV container and parses it back into a
// playable buffer. The parsed container is authoritative for the format
// and the frame count.
func Decode(pcm []byte, f Format) (*PlayableBuffer, error) {
	if err := f.Validate(); err != nil {
		return nil, &DecodeError{Reason: "invalid format", Err: err}
	}
	if len(pcm) < f.BlockAlign() {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload of %d bytes holds no complete frame", len(pcm))}
	}

	container := EncodeWAV(pcm, f)

	d := wav.NewDecoder(bytes.NewReader(container))
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, &DecodeError{Reason: "parse container", Err: err}
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		return nil, &DecodeError{Reason: "container reports no channels or sample rate"}
	}

	parsed := Format{
		SampleRate:    int(d.SampleRate),
		Channels:      int(d.NumChans),
		BitsPerSample: int(d.BitDepth),
	}
	frames := len(buf.Data) / parsed.Channels
	if frames == 0 {
		return nil, &DecodeError{Reason: "container holds no samples"}
	}

	return &PlayableBuffer{
		PCM:      container[WAVHeaderSize:],
		WAV:      container,
		Format:   parsed,
		Frames:   frames,
		Duration: parsed.FramesToDuration(frames),
	}, nil
}

// Silence returns a buffer of the given number of zero frames
func Silence(f Format, frames int) *PlayableBuffer {
	if frames < 0 {
		frames = 0
	}
	var pcm []byte
	switch f.BitsPerSample {
	case 16:
		pcm = SamplesToPCM16(make([]int16, frames*f.Channels))
	case 8:
		// 8-bit PCM is unsigned, centered on 128
		pcm = make([]byte, frames*f.BlockAlign())
		for i := range pcm {
			pcm[i] = 0x80
		}
	default:
		pcm = make([]byte, frames*f.BlockAlign())
	}
	container := EncodeWAV(pcm, f)
	return &PlayableBuffer{
		PCM:      container[WAVHeaderSize:],
		WAV:      container,
		Format:   f,
		Frames:   frames,
		Duration: f.FramesToDuration(frames),
	}
}

// SilentFrames returns the frame count covering spanMs at the given rate, rounded up
func SilentFrames(sampleRate int, spanMs float64) int {
	if spanMs <= 0 {
		return 0
	}
	return int(math.Ceil(float64(sampleRate) * spanMs / 1000))
}
