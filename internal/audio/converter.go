package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PCM16ToSamples converts 16-bit little-endian PCM to signed samples
func PCM16ToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToPCM16 converts signed samples to 16-bit little-endian PCM
func SamplesToPCM16(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	return pcm
}

// MixInto adds src onto dst sample by sample, clipping to the int16 range.
// Both slices hold 16-bit little-endian PCM; the shorter length wins.
func MixInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	n -= n % 2

	for i := 0; i < n; i += 2 {
		a := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(src[i:])))
		sum := a + b
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(sum)))
	}
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// Level returns the RMS of 16-bit PCM normalized to [0, 1].
// Renderers use it to drive idle mouth motion when no visemes are due.
func Level(pcm []byte) float64 {
	samples, err := PCM16ToSamples(pcm[:len(pcm)-len(pcm)%2])
	if err != nil || len(samples) == 0 {
		return 0
	}
	level := CalculateRMS(samples) / math.MaxInt16
	if level > 1 {
		level = 1
	}
	return level
}
