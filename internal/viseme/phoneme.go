// Package viseme turns character alignment from the TTS stream into
// timed Oculus viseme packets and dispatches them on the utterance clock.
package viseme

import (
	"strings"
	"unicode/utf8"
)

// Silence is the label used for spaces and unmapped characters
const Silence = "viseme_sil"

// oculusLabels maps bare viseme names to their Oculus blend shape names
var oculusLabels = map[string]string{
	"sil": "viseme_sil",
	"PP":  "viseme_PP",
	"FF":  "viseme_FF",
	"TH":  "viseme_TH",
	"DD":  "viseme_DD",
	"kk":  "viseme_kk",
	"CH":  "viseme_CH",
	"SS":  "viseme_SS",
	"nn":  "viseme_nn",
	"RR":  "viseme_RR",
	"aa":  "viseme_aa",
	"E":   "viseme_E",
	"I":   "viseme_I",
	"O":   "viseme_O",
	"U":   "viseme_U",
}

// defaultPhonemes is a coarse single-letter map. It is intentionally
// approximate: one viseme per written character.
var defaultPhonemes = map[rune]string{
	'a': "viseme_aa",
	'e': "viseme_E",
	'i': "viseme_I",
	'o': "viseme_O",
	'u': "viseme_U",
	'p': "viseme_PP",
	'b': "viseme_PP",
	'm': "viseme_PP",
	'f': "viseme_FF",
	'v': "viseme_FF",
	's': "viseme_SS",
	't': "viseme_TH",
	'd': "viseme_DD",
	'n': "viseme_nn",
	'r': "viseme_RR",
	'k': "viseme_kk",
	'g': "viseme_kk",
	' ': Silence,
}

// PhonemeMap maps lowercase characters to viseme labels
type PhonemeMap struct {
	labels map[rune]string
}

// NewPhonemeMap returns the default character map
func NewPhonemeMap() *PhonemeMap {
	labels := make(map[rune]string, len(defaultPhonemes))
	for r, label := range defaultPhonemes {
		labels[r] = label
	}
	return &PhonemeMap{labels: labels}
}

// Set overrides the label for a character. Bare labels are normalized.
func (m *PhonemeMap) Set(r rune, label string) {
	m.labels[r] = RemapToOculus(label)
}

// Lookup returns the viseme label for the first character of ch, lowercased.
// Unknown characters map to silence.
func (m *PhonemeMap) Lookup(ch string) string {
	if ch == "" {
		return Silence
	}
	r, _ := utf8.DecodeRuneInString(strings.ToLower(ch))
	if label, ok := m.labels[r]; ok {
		return label
	}
	return Silence
}

// RemapToOculus normalizes a bare viseme name (e.g. "PP") to its Oculus
// label. Labels that are not bare viseme names pass through unchanged.
func RemapToOculus(label string) string {
	if mapped, ok := oculusLabels[label]; ok {
		return mapped
	}
	return label
}
