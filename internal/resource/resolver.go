// Package resource resolves remote audio resources through three
// independently cached tiers: the raw response body, the decoded buffer
// handed to the audio decoder, and the normalized waveform sequence. Each
// tier found in the store is reused; only missing tiers are derived.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/52poke/kodama/internal/audio"
	"github.com/52poke/kodama/internal/cache"
	"github.com/52poke/kodama/internal/fetch"
	"github.com/52poke/kodama/internal/lock"
)

const (
	DefaultSamples      = 200
	defaultWriteTimeout = 30 * time.Second
	lockPollInterval    = 50 * time.Millisecond
)

// Fetcher performs the network stage.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// Decoder turns the decoded buffer tier into audio samples.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*audio.Buffer, error)
}

type (
	TagParser     func(raw []byte) (*audio.Tags, error)
	NormalizeFunc func(*audio.Buffer) []float64
	MetadataFunc  func(*audio.Tags) Metadata
)

// Source records where a tier value came from during one resolution.
type Source int

const (
	FromStore Source = iota
	Derived
)

func (s Source) String() string {
	if s == FromStore {
		return "store"
	}
	return "derived"
}

// Result holds every tier of one resource. A Result may be shared between
// concurrent callers of the same key and must not be modified.
type Result struct {
	Key      string
	URL      string
	Raw      []byte
	Decoded  []byte
	Samples  []float64
	Tags     *audio.Tags
	Metadata Metadata
	Sources  [3]Source
}

// Source reports where tier came from.
func (r *Result) Source(tier cache.Tier) Source {
	return r.Sources[tier]
}

type Config struct {
	Namespace string
	Store     cache.Store
	Fetcher   Fetcher

	// Optional; defaults are the WAV decoder, the RIFF INFO parser, a
	// DefaultSamples peak normalizer and DefaultMetadata.
	Decoder          Decoder
	ParseTags        TagParser
	Normalize        NormalizeFunc
	GenerateMetadata MetadataFunc

	// Locker coordinates derivation across processes. Nil disables it.
	Locker      lock.Locker
	LockTTL     time.Duration
	MaxLockWait time.Duration

	WriteTimeout time.Duration
	Objects      *Registry
	Logger       *log.Logger
}

type Resolver struct {
	cfg     Config
	log     *log.Logger
	group   singleflight.Group
	writes  sync.WaitGroup
	tracker *Tracker
	stats   *Stats
	objects *Registry
}

func New(cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, errors.New("resource: namespace is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("resource: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("resource: fetcher is required")
	}
	if cfg.Decoder == nil {
		cfg.Decoder = audio.WAVDecoder{}
	}
	if cfg.ParseTags == nil {
		cfg.ParseTags = audio.ParseTags
	}
	if cfg.Normalize == nil {
		cfg.Normalize = audio.PeakNormalizer(DefaultSamples)
	}
	if cfg.GenerateMetadata == nil {
		cfg.GenerateMetadata = DefaultMetadata
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("resource")
	}
	if cfg.Objects == nil {
		cfg.Objects = NewRegistry("/objects/")
	}
	return &Resolver{
		cfg:     cfg,
		log:     cfg.Logger,
		tracker: NewTracker(),
		stats:   newStats(),
		objects: cfg.Objects,
	}, nil
}

// Key returns the resource key of sourceURL in this resolver's namespace.
func (r *Resolver) Key(sourceURL string) string {
	return cache.ResourceKey(r.cfg.Namespace, sourceURL)
}

func (r *Resolver) Progress() *Tracker { return r.tracker }

func (r *Resolver) Stats() Snapshot { return r.stats.Snapshot() }

func (r *Resolver) Objects() *Registry { return r.objects }

// Flush blocks until every store write issued so far has finished.
func (r *Resolver) Flush() {
	r.writes.Wait()
}

// Resolve returns all tiers of sourceURL. Concurrent calls for the same
// key share a single resolution, which runs to completion even when the
// caller that started it goes away. A cancelled ctx only makes Resolve
// return early with ctx.Err(). Store writes are issued in the background
// and not awaited; use Flush to wait for them.
func (r *Resolver) Resolve(ctx context.Context, sourceURL string) (*Result, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, ErrMissingSource
	}
	key := r.Key(sourceURL)

	// the shared execution outlives any single caller; each caller only
	// stops waiting for it
	work := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.resolveCoordinated(work, key, sourceURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.log.Debug("joined in-flight resolution", "key", key)
		}
		return res.Val.(*Result), nil
	}
}

// resolveCoordinated takes the cross-process lock before running the
// pipeline. Processes that lose the race wait for the winner's normalized
// tier to appear and then run the pipeline, which mostly hits the store.
func (r *Resolver) resolveCoordinated(ctx context.Context, key, sourceURL string) (*Result, error) {
	if r.cfg.Locker == nil {
		return r.resolve(ctx, key, sourceURL)
	}

	lockKey := "lock:" + key
	l, ok, err := r.cfg.Locker.TryLock(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		r.log.Warn("lock unavailable, resolving without it", "key", key, "error", err)
		return r.resolve(ctx, key, sourceURL)
	}
	if ok {
		defer func() {
			if err := l.Unlock(ctx); err != nil {
				r.log.Warn("unlock failed", "key", key, "error", err)
			}
		}()
		return r.resolve(ctx, key, sourceURL)
	}

	r.waitForPeer(ctx, key)
	return r.resolve(ctx, key, sourceURL)
}

func (r *Resolver) waitForPeer(ctx context.Context, key string) {
	deadline := time.Now().Add(r.cfg.MaxLockWait)
	normalizedKey := cache.TierKey(key, cache.TierNormalized)
	for time.Now().Before(deadline) {
		if _, err := r.cfg.Store.Get(ctx, normalizedKey); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(lockPollInterval):
		}
	}
	r.log.Debug("gave up waiting for peer", "key", key)
}

func (r *Resolver) resolve(ctx context.Context, key, sourceURL string) (*Result, error) {
	res := &Result{Key: key, URL: sourceURL}

	raw, src, err := r.rawTier(ctx, key, sourceURL)
	if err != nil {
		r.tracker.set(key, StageFailed)
		return nil, err
	}
	res.Raw, res.Sources[cache.TierRaw] = raw, src

	res.Decoded, res.Sources[cache.TierDecoded] = r.decodedTier(ctx, key, raw)

	res.Samples, res.Sources[cache.TierNormalized], err = r.normalizedTier(ctx, key, res.Decoded)
	if err != nil {
		r.tracker.set(key, StageFailed)
		return nil, err
	}

	tags, err := r.cfg.ParseTags(raw)
	if err != nil {
		r.log.Warn("tag parsing failed, continuing without metadata", "key", key, "error", err)
		tags = nil
	}
	res.Tags = tags
	res.Metadata = r.cfg.GenerateMetadata(tags)

	r.tracker.set(key, StageReady)
	return res, nil
}

func (r *Resolver) rawTier(ctx context.Context, key, sourceURL string) ([]byte, Source, error) {
	if raw, ok := r.lookup(ctx, key, cache.TierRaw); ok {
		return raw, FromStore, nil
	}

	r.log.Debug("file not found in cache, downloading", "url", sourceURL)
	r.tracker.set(key, StageFetching)
	start := time.Now()
	resp, err := r.cfg.Fetcher.Get(ctx, sourceURL)
	r.stats.observe(stepFetch, time.Since(start))
	if err != nil {
		r.stats.fetchFailed()
		return nil, Derived, &FetchError{URL: sourceURL, Err: err}
	}
	if !resp.OK() {
		r.stats.fetchFailed()
		return nil, Derived, &FetchError{URL: sourceURL, Status: resp.Status}
	}

	r.tracker.set(key, StageDeriving)
	r.persist(key, cache.TierRaw, resp.Body)
	return resp.Body, Derived, nil
}

func (r *Resolver) decodedTier(ctx context.Context, key string, raw []byte) ([]byte, Source) {
	if decoded, ok := r.lookup(ctx, key, cache.TierDecoded); ok {
		return decoded, FromStore
	}

	r.tracker.set(key, StageDeriving)
	decoded := bytes.Clone(raw)
	if decoded == nil {
		decoded = []byte{}
	}
	r.persist(key, cache.TierDecoded, decoded)
	return decoded, Derived
}

func (r *Resolver) normalizedTier(ctx context.Context, key string, decoded []byte) ([]float64, Source, error) {
	if text, ok := r.lookup(ctx, key, cache.TierNormalized); ok {
		var samples []float64
		switch err := json.Unmarshal(text, &samples); {
		case err != nil:
			r.log.Warn("stored sequence is unreadable, deriving again", "key", key, "error", err)
		case len(samples) > 0:
			return samples, FromStore, nil
		}
		// an empty stored sequence counts as a miss
	}

	r.tracker.set(key, StageDeriving)
	start := time.Now()
	buf, err := r.cfg.Decoder.Decode(ctx, decoded)
	r.stats.observe(stepDecode, time.Since(start))
	if err != nil {
		return nil, Derived, fmt.Errorf("decode audio for %s: %w", key, err)
	}

	start = time.Now()
	samples := r.cfg.Normalize(buf)
	r.stats.observe(stepNormalize, time.Since(start))
	if samples == nil {
		samples = []float64{}
	}

	text, err := json.Marshal(samples)
	if err != nil {
		// NaN or Inf from a caller normalizer; keep the value in memory only
		r.log.Warn("normalized sequence cannot be serialized", "key", key, "error", err)
		return samples, Derived, nil
	}
	r.persist(key, cache.TierNormalized, text)
	return samples, Derived, nil
}

// lookup reads one tier. Store errors are treated exactly like misses.
func (r *Resolver) lookup(ctx context.Context, key string, tier cache.Tier) ([]byte, bool) {
	tierKey := cache.TierKey(key, tier)
	v, err := r.cfg.Store.Get(ctx, tierKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.log.Warn("store read failed, treating as miss", "key", tierKey, "error", err)
		}
		r.stats.lookup(tier, false)
		return nil, false
	}
	r.stats.lookup(tier, true)
	return v, true
}

// persist writes a tier in the background. Failures are logged and dropped
// since the in-memory value is already usable.
func (r *Resolver) persist(key string, tier cache.Tier, value []byte) {
	tierKey := cache.TierKey(key, tier)
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := r.cfg.Store.Put(ctx, tierKey, value); err != nil {
			r.stats.writeFailed()
			r.log.Warn("store write failed", "key", tierKey, "tier", tier, "error", err)
			return
		}
		r.log.Debug("tier cached", "key", tierKey, "tier", tier, "size", humanize.Bytes(uint64(len(value))))
	}()
}
