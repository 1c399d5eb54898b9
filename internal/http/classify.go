package httpx

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultWaveformWidth  = 800
	defaultWaveformHeight = 80
	maxWaveformDimension  = 10000
)

// SourceInfo is the resource a request refers to.
type SourceInfo struct {
	Valid  bool
	URL    string
	Reason string
}

// ClassifySource reads the source URL from the url query parameter. An
// absent parameter is reported as missing, which the handler maps to the
// missing source error rather than a generic bad request.
func ClassifySource(r *http.Request) SourceInfo {
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		return SourceInfo{Valid: false, Reason: "missing-url"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return SourceInfo{Valid: false, Reason: "unparsable-url"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return SourceInfo{Valid: false, Reason: "unsupported-scheme"}
	}
	if u.Host == "" {
		return SourceInfo{Valid: false, Reason: "missing-host"}
	}
	// the URL is kept verbatim; rewriting it could merge distinct resources
	return SourceInfo{Valid: true, URL: raw}
}

// Dimensions reads width and height for a waveform render.
func Dimensions(r *http.Request) (width, height float64, ok bool) {
	q := r.URL.Query()
	width, ok = dimension(q.Get("width"), defaultWaveformWidth)
	if !ok {
		return 0, 0, false
	}
	height, ok = dimension(q.Get("height"), defaultWaveformHeight)
	return width, height, ok
}

func dimension(v string, def float64) (float64, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || n <= 0 || n > maxWaveformDimension {
		return 0, false
	}
	return n, true
}
