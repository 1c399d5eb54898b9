package resource

import "sync"

// Stage is the presentation state of one resource key.
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StageDeriving
	StageReady
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageDeriving:
		return "deriving"
	case StageReady:
		return "ready"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const subscriberBuffer = 8

// Tracker holds the current Stage of every resource key and fans changes
// out to subscribers. Stages are hints; a subscriber that falls more than
// subscriberBuffer changes behind misses the intermediate ones but State
// is always current.
//
// Only the most recent maxSettled keys that reached Ready or Failed are
// remembered; older ones without subscribers read as Idle again.
type Tracker struct {
	mu     sync.Mutex
	states map[string]Stage
	subs   map[string]map[int]chan Stage
	nextID int

	maxSettled int
	settled    []settledKey
	settledSeq map[string]uint64
	seq        uint64
}

type settledKey struct {
	key string
	seq uint64
}

const defaultMaxSettled = 4096

func NewTracker() *Tracker {
	return &Tracker{
		states:     make(map[string]Stage),
		subs:       make(map[string]map[int]chan Stage),
		maxSettled: defaultMaxSettled,
		settledSeq: make(map[string]uint64),
	}
}

// State returns the last stage recorded for key, StageIdle if none.
func (t *Tracker) State(key string) Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[key]
}

// Subscribe returns a channel receiving every later stage change of key.
// Any number of subscribers may watch the same key. The returned cancel
// func closes the channel.
func (t *Tracker) Subscribe(key string) (<-chan Stage, func()) {
	ch := make(chan Stage, subscriberBuffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.subs[key] == nil {
		t.subs[key] = make(map[int]chan Stage)
	}
	t.subs[key][id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs[key], id)
			if len(t.subs[key]) == 0 {
				delete(t.subs, key)
			}
			close(ch)
		})
	}
}

func (t *Tracker) set(key string, s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[key] == s {
		return
	}
	t.states[key] = s
	for _, ch := range t.subs[key] {
		select {
		case ch <- s:
		default:
		}
	}
	if s == StageReady || s == StageFailed {
		t.settle(key)
	} else {
		delete(t.settledSeq, key)
	}
}

// settle queues key for forgetting and drops the oldest settled keys past
// maxSettled. Callers hold t.mu.
func (t *Tracker) settle(key string) {
	t.seq++
	t.settledSeq[key] = t.seq
	t.settled = append(t.settled, settledKey{key: key, seq: t.seq})

	for len(t.settledSeq) > t.maxSettled && len(t.settled) > 0 {
		oldest := t.settled[0]
		t.settled = t.settled[1:]
		// stale entry: the key moved on or settled again later
		if t.settledSeq[oldest.key] != oldest.seq {
			continue
		}
		delete(t.settledSeq, oldest.key)
		if len(t.subs[oldest.key]) == 0 {
			delete(t.states, oldest.key)
		}
	}
	// a key that settles repeatedly leaves stale entries behind
	if len(t.settled) > 2*t.maxSettled {
		live := make([]settledKey, 0, len(t.settledSeq))
		for _, e := range t.settled {
			if t.settledSeq[e.key] == e.seq {
				live = append(live, e)
			}
		}
		t.settled = live
	}
}
