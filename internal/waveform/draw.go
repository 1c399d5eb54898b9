package waveform

import "math"

// Surface is the subset of a 2D canvas API the waveform needs. Arc angles
// are in radians measured clockwise from the positive x axis with y
// pointing down, as on an HTML canvas.
type Surface interface {
	SetLineWidth(w float64)
	SetStrokeStyle(color string)
	BeginPath()
	MoveTo(x, y float64)
	LineTo(x, y float64)
	Arc(cx, cy, r, start, end float64, anticlockwise bool)
	Stroke()
}

type Style struct {
	LineWidth float64
	Color     string
}

// Draw strokes every segment: a vertical line from the baseline, a half
// circle cap of radius Width/2 and a return line to the next slot. Odd
// segments point one way and even ones the other, which mirrors the
// silhouette around the baseline.
func Draw(s Surface, segs []Segment, style Style) {
	for _, seg := range segs {
		drawSegment(s, seg, style)
	}
}

func drawSegment(s Surface, seg Segment, style Style) {
	s.SetLineWidth(style.LineWidth)
	s.SetStrokeStyle(style.Color)

	y := seg.Height
	if !seg.Odd {
		y = -y
	}
	s.BeginPath()
	s.MoveTo(seg.X, 0)
	s.LineTo(seg.X, y)
	s.Arc(seg.X+seg.Width/2, y, seg.Width/2, math.Pi, 0, seg.Odd)
	s.LineTo(seg.X+seg.Width, 1)
	s.Stroke()
}
