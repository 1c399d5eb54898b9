package resource

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/52poke/kodama/internal/cache"
)

const sketchAccuracy = 0.01

// Timed pipeline steps.
const (
	stepFetch     = "fetch"
	stepDecode    = "decode"
	stepNormalize = "normalize"
)

// Stats counts tier hits and misses and keeps latency sketches of the
// expensive pipeline steps.
type Stats struct {
	mu            sync.Mutex
	hits          [3]int64
	misses        [3]int64
	fetchFailures int64
	writeFailures int64
	sketches      map[string]*ddsketch.DDSketch
}

// TierCounts is the hit/miss tally of one tier.
type TierCounts struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Latency summarises one step in milliseconds.
type Latency struct {
	Count float64 `json:"count"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
}

type Snapshot struct {
	Tiers         map[string]TierCounts `json:"tiers"`
	Latency       map[string]Latency    `json:"latency"`
	FetchFailures int64                 `json:"fetch_failures"`
	WriteFailures int64                 `json:"write_failures"`
}

func newStats() *Stats {
	return &Stats{sketches: make(map[string]*ddsketch.DDSketch)}
}

func (s *Stats) lookup(tier cache.Tier, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits[tier]++
	} else {
		s.misses[tier]++
	}
}

func (s *Stats) fetchFailed() {
	s.mu.Lock()
	s.fetchFailures++
	s.mu.Unlock()
}

func (s *Stats) writeFailed() {
	s.mu.Lock()
	s.writeFailures++
	s.mu.Unlock()
}

func (s *Stats) observe(step string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.sketches[step]
	if !ok {
		var err error
		sk, err = ddsketch.NewDefaultDDSketch(sketchAccuracy)
		if err != nil {
			return
		}
		s.sketches[step] = sk
	}
	// sketches only accept non-negative values
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	_ = sk.Add(ms)
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Tiers:         make(map[string]TierCounts, 3),
		Latency:       make(map[string]Latency, len(s.sketches)),
		FetchFailures: s.fetchFailures,
		WriteFailures: s.writeFailures,
	}
	for _, tier := range []cache.Tier{cache.TierRaw, cache.TierDecoded, cache.TierNormalized} {
		snap.Tiers[tier.String()] = TierCounts{Hits: s.hits[tier], Misses: s.misses[tier]}
	}
	for step, sk := range s.sketches {
		if sk.IsEmpty() {
			continue
		}
		qs, err := sk.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99})
		if err != nil {
			continue
		}
		snap.Latency[step] = Latency{Count: sk.GetCount(), P50: qs[0], P90: qs[1], P99: qs[2]}
	}
	return snap
}
