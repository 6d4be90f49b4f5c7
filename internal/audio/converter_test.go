package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPCM16ToSamples(t *testing.T) {
	// Create test PCM data (16-bit samples)
	samples := []int16{0, 1000, -1000, 32767, -32768}
	pcmData := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(sample))
	}

	decoded, err := PCM16ToSamples(pcmData)
	if err != nil {
		t.Fatalf("PCM16ToSamples failed: %v", err)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}

	// Round trip back to bytes
	encoded := SamplesToPCM16(decoded)
	if string(encoded) != string(pcmData) {
		t.Errorf("Expected round trip to reproduce the input bytes")
	}
}

func TestPCM16ToSamples_OddLength(t *testing.T) {
	if _, err := PCM16ToSamples([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestMixInto_Clips(t *testing.T) {
	dst := SamplesToPCM16([]int16{30000, -30000, 100})
	src := SamplesToPCM16([]int16{10000, -10000, 50})

	MixInto(dst, src)

	mixed, _ := PCM16ToSamples(dst)
	expected := []int16{math.MaxInt16, math.MinInt16, 150}
	for i := range expected {
		if mixed[i] != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], mixed[i])
		}
	}
}

func TestMixInto_ShorterSource(t *testing.T) {
	dst := SamplesToPCM16([]int16{1, 2, 3})
	src := SamplesToPCM16([]int16{10})

	MixInto(dst, src)

	mixed, _ := PCM16ToSamples(dst)
	if mixed[0] != 11 || mixed[1] != 2 || mixed[2] != 3 {
		t.Errorf("Expected only the first sample to change, got %v", mixed)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{100, -100, 100, -100}
	rms := CalculateRMS(samples)
	if math.Abs(rms-100) > 0.001 {
		t.Errorf("Expected RMS 100, got %f", rms)
	}

	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS of empty input to be 0")
	}
}

func TestLevel(t *testing.T) {
	silent := make([]byte, 64)
	if Level(silent) != 0 {
		t.Errorf("Expected silent level 0, got %f", Level(silent))
	}

	loud := SamplesToPCM16([]int16{math.MaxInt16, math.MinInt16 + 1})
	if level := Level(loud); math.Abs(level-1) > 0.001 {
		t.Errorf("Expected full-scale level near 1, got %f", level)
	}

	// A trailing odd byte is ignored
	if level := Level(append(SamplesToPCM16([]int16{0}), 0xFF)); level != 0 {
		t.Errorf("Expected trailing byte to be ignored, got %f", level)
	}

	if Level(nil) != 0 {
		t.Error("Expected level of empty input to be 0")
	}
}
