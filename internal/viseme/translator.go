package viseme

import (
	"errors"
	"fmt"

	"github.com/lexiqai/avatar-speech/internal/audio"
)

// ErrMalformedAlignment is returned when the alignment arrays differ in length
var ErrMalformedAlignment = errors.New("malformed alignment")

// Alignment is one batch of per-character timing from the TTS stream.
// Times are batch-local milliseconds.
type Alignment struct {
	Chars            []string
	CharStartTimesMs []float64
	CharDurationsMs  []float64
}

// Point is one character on the utterance timeline
type Point struct {
	Char     string
	Label    string
	Start    float64 // Absolute ms from utterance start
	Duration float64 // ms
}

// Packet is a self-contained viseme clip. Offsets are relative to the
// first point so the clip can be replayed on its own.
type Packet struct {
	Points       []Point
	Labels       []string
	Offsets      []float64 // ms relative to the first point; first is 0
	Durations    []float64 // ms
	Start        float64   // Absolute ms of the first point
	Span         float64   // ms from first point start to last point end
	SilentFrames int       // Frames of silence covering Span
}

// End returns the absolute ms at which the packet's last point ends
func (p *Packet) End() float64 {
	return p.Start + p.Span
}

// Translator converts alignment batches into packets on a running clock
type Translator struct {
	phonemes   *PhonemeMap
	sampleRate int
}

// NewTranslator creates a translator. A nil map uses the default phonemes.
func NewTranslator(phonemes *PhonemeMap, sampleRate int) *Translator {
	if phonemes == nil {
		phonemes = NewPhonemeMap()
	}
	return &Translator{
		phonemes:   phonemes,
		sampleRate: sampleRate,
	}
}

// Translate maps an alignment batch to a packet. offsetMs is the running
// character clock carried from previous batches; the returned offset is
// the absolute end of the batch's last point. An empty batch yields a nil
// packet and leaves the offset unchanged.
func (t *Translator) Translate(al Alignment, offsetMs float64) (*Packet, float64, error) {
	n := len(al.Chars)
	if len(al.CharStartTimesMs) != n || len(al.CharDurationsMs) != n {
		return nil, offsetMs, fmt.Errorf("%w: %d chars, %d start times, %d durations",
			ErrMalformedAlignment, n, len(al.CharStartTimesMs), len(al.CharDurationsMs))
	}
	if n == 0 {
		return nil, offsetMs, nil
	}

	packet := &Packet{
		Points:    make([]Point, n),
		Labels:    make([]string, n),
		Offsets:   make([]float64, n),
		Durations: make([]float64, n),
	}

	for i, ch := range al.Chars {
		packet.Points[i] = Point{
			Char:     ch,
			Label:    t.phonemes.Lookup(ch),
			Start:    al.CharStartTimesMs[i] + offsetMs,
			Duration: al.CharDurationsMs[i],
		}
	}

	first := packet.Points[0]
	last := packet.Points[n-1]
	packet.Start = first.Start
	for i, p := range packet.Points {
		packet.Labels[i] = p.Label
		packet.Offsets[i] = p.Start - first.Start
		packet.Durations[i] = p.Duration
	}
	packet.Span = last.Start + last.Duration - first.Start
	packet.SilentFrames = audio.SilentFrames(t.sampleRate, packet.Span)

	return packet, last.Start + last.Duration, nil
}
