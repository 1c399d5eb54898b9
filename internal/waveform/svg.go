package waveform

import (
	"errors"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
)

// ErrEmptySequence is returned by Render for a sequence with no samples.
var ErrEmptySequence = errors.New("waveform: empty sample sequence")

// padding added above and below the drawable height
const framePadding = 20

// SVG is a Surface that records strokes as SVG path elements.
type SVG struct {
	lineWidth float64
	color     string

	path    strings.Builder
	hasPath bool
	out     strings.Builder
}

func (s *SVG) SetLineWidth(w float64) { s.lineWidth = w }
func (s *SVG) SetStrokeStyle(color string) { s.color = color }

func (s *SVG) BeginPath() {
	s.path.Reset()
	s.hasPath = false
}

func (s *SVG) MoveTo(x, y float64) {
	s.cmd("M", x, y)
}

func (s *SVG) LineTo(x, y float64) {
	if !s.hasPath {
		s.MoveTo(x, y)
		return
	}
	s.cmd("L", x, y)
}

// Arc appends a circular arc. The current point is joined to the arc start
// with a straight line, as a canvas does.
func (s *SVG) Arc(cx, cy, r, start, end float64, anticlockwise bool) {
	sx, sy := cx+r*math.Cos(start), cy+r*math.Sin(start)
	ex, ey := cx+r*math.Cos(end), cy+r*math.Sin(end)
	s.LineTo(sx, sy)

	sweep := end - start
	if anticlockwise {
		sweep = -sweep
	}
	sweep = math.Mod(sweep+2*math.Pi, 2*math.Pi)
	large, dir := "0", "1"
	if sweep > math.Pi {
		large = "1"
	}
	if anticlockwise {
		dir = "0"
	}
	fmt.Fprintf(&s.path, " A%s %s 0 %s %s %s %s", num(r), num(r), large, dir, num(ex), num(ey))
}

func (s *SVG) Stroke() {
	if !s.hasPath {
		return
	}
	fmt.Fprintf(&s.out, `<path d="%s" fill="none" stroke="%s" stroke-width="%s"/>`,
		strings.TrimSpace(s.path.String()), html.EscapeString(s.color), num(s.lineWidth))
	s.out.WriteByte('\n')
}

// Paths returns the path elements stroked so far.
func (s *SVG) Paths() string {
	return s.out.String()
}

func (s *SVG) cmd(op string, x, y float64) {
	fmt.Fprintf(&s.path, " %s%s %s", op, num(x), num(y))
	s.hasPath = true
}

// Render draws samples into a complete SVG document width wide. maxHeight
// is the drawable height; the document is framePadding taller and the
// baseline sits in the middle.
func Render(samples []float64, width, maxHeight float64, style Style) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptySequence
	}
	if !(width > 0) || !(maxHeight > 0) || math.IsInf(width, 0) || math.IsInf(maxHeight, 0) {
		return "", fmt.Errorf("waveform: invalid size %vx%v", width, maxHeight)
	}

	surface := &SVG{}
	Draw(surface, Project(samples, width, maxHeight), style)

	total := maxHeight + framePadding
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`,
		num(width), num(total), num(width), num(total))
	b.WriteByte('\n')
	fmt.Fprintf(&b, `<g transform="translate(0 %s)">`, num(total/2))
	b.WriteByte('\n')
	b.WriteString(surface.Paths())
	b.WriteString("</g>\n</svg>\n")
	return b.String(), nil
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
