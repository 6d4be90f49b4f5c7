package viseme

import "strings"

// Words holds word timings recovered from character points
type Words struct {
	Words     []string
	Times     []float64 // ms, relative to the same origin as the points
	Durations []float64 // ms
}

// WordsFromPoints groups space-delimited runs of points into words.
// Times are made relative to origin.
func WordsFromPoints(points []Point, origin float64) Words {
	w := Words{
		Words:     []string{},
		Times:     []float64{},
		Durations: []float64{},
	}

	var current strings.Builder
	var start float64
	var prev Point

	emit := func(end float64) {
		w.Words = append(w.Words, current.String())
		w.Times = append(w.Times, start-origin)
		w.Durations = append(w.Durations, end-start)
		current.Reset()
	}

	for _, p := range points {
		if p.Char == " " {
			if current.Len() > 0 {
				emit(prev.Start + prev.Duration)
			}
			prev = p
			continue
		}
		if current.Len() == 0 {
			start = p.Start
		}
		current.WriteString(p.Char)
		prev = p
	}
	if current.Len() > 0 {
		emit(prev.Start + prev.Duration)
	}

	return w
}
