package playback

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lexiqai/avatar-speech/internal/audio"
)

// FileOutput renders an utterance to a WAV file instead of a device.
// Buffers keep their relative timing; the file starts at the first buffer.
type FileOutput struct {
	*Timeline
	path string
	once sync.Once
	err  error
}

// NewFileOutput creates an output that writes to path on Close
func NewFileOutput(path string, format audio.Format) *FileOutput {
	return &FileOutput{
		Timeline: NewTimeline(format, time.Time{}),
		path:     path,
	}
}

// Close renders the timeline and writes it to the file
func (f *FileOutput) Close() error {
	f.once.Do(func() {
		f.err = f.write()
	})
	return f.err
}

func (f *FileOutput) write() error {
	pcm := f.Drain()
	format := f.Format()

	file, err := os.Create(f.path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitsPerSample,
	}

	enc := wav.NewEncoder(file, format.SampleRate, format.BitsPerSample, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
