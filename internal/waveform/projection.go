// Package waveform maps a normalized sample sequence onto drawable line
// segments and draws them onto a canvas-like Surface.
package waveform

// Segment is the geometry of one sample. Odd is true when Index+1 is odd,
// that is for the 1st, 3rd, ... sample.
type Segment struct {
	Index  int
	X      float64
	Width  float64
	Height float64
	Odd    bool
}

// Project returns one segment per sample. Every slot is totalWidth divided
// by the sample count, so samples must not be empty: an empty sequence
// yields a non-finite slot width and callers are expected to guard it.
//
// Heights are sample*maxHeight, with negatives raised to 0 and anything
// above maxHeight/2 cut down to maxHeight/4.
func Project(samples []float64, totalWidth, maxHeight float64) []Segment {
	width := totalWidth / float64(len(samples))
	segs := make([]Segment, len(samples))
	for i, s := range samples {
		segs[i] = Segment{
			Index:  i,
			X:      width * float64(i),
			Width:  width,
			Height: clampHeight(s*maxHeight, maxHeight),
			Odd:    (i+1)%2 == 1,
		}
	}
	return segs
}

func clampHeight(h, maxHeight float64) float64 {
	if h < 0 {
		return 0
	}
	if h > maxHeight/2 {
		return maxHeight / 4
	}
	return h
}
