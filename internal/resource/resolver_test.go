package resource

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/52poke/kodama/internal/audio"
	"github.com/52poke/kodama/internal/cache"
	"github.com/52poke/kodama/internal/fetch"
	"github.com/52poke/kodama/internal/lock"
	"github.com/52poke/kodama/internal/logging"
)

const testURL = "https://media.example.com/pallet-town.wav"

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	status  int
	body    []byte
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeFetcher) Get(ctx context.Context, rawURL string) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first && f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return &fetch.Response{Status: status, Body: f.body}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingDecoder struct {
	mu    sync.Mutex
	calls int
	last  []byte
}

func (d *countingDecoder) Decode(ctx context.Context, data []byte) (*audio.Buffer, error) {
	d.mu.Lock()
	d.calls++
	d.last = data
	d.mu.Unlock()
	return audio.WAVDecoder{}.Decode(ctx, data)
}

func (d *countingDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// failingStore rejects every read and write.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage unavailable")
}

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("storage unavailable")
}

type fixture struct {
	store      cache.Store
	fetcher    *fakeFetcher
	decoder    *countingDecoder
	normalizes int
	resolver   *Resolver
}

func testWAV(title string) []byte {
	ch := make([]float32, 1000)
	for i := range ch {
		ch[i] = float32(i%100) / 100
	}
	return audio.EncodeWAV(&audio.Buffer{SampleRate: 1000, Channels: [][]float32{ch}}, map[string]string{"INAM": title})
}

func newFixture(t *testing.T, store cache.Store, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:   store,
		fetcher: &fakeFetcher{body: testWAV("Pallet Town")},
		decoder: &countingDecoder{},
	}
	normalize := audio.PeakNormalizer(10)
	var mu sync.Mutex
	cfg := Config{
		Namespace: "test",
		Store:     store,
		Fetcher:   f.fetcher,
		Decoder:   f.decoder,
		Normalize: func(b *audio.Buffer) []float64 {
			mu.Lock()
			f.normalizes++
			mu.Unlock()
			return normalize(b)
		},
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.resolver = r
	return f
}

func tierKey(tier cache.Tier) string {
	return cache.TierKey(cache.ResourceKey("test", testURL), tier)
}

func TestResolveDerivesAndCachesAllTiers(t *testing.T) {
	store := cache.NewMemoryStore()
	f := newFixture(t, store, nil)

	res, err := f.resolver.Resolve(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	f.resolver.Flush()

	if f.fetcher.Calls() != 1 || f.decoder.Calls() != 1 || f.normalizes != 1 {
		t.Errorf("calls fetch=%d decode=%d normalize=%d, want 1 each", f.fetcher.Calls(), f.decoder.Calls(), f.normalizes)
	}
	if res.Key != "test/"+testURL {
		t.Errorf("Key = %q", res.Key)
	}
	if !bytes.Equal(res.Raw, f.fetcher.body) || !bytes.Equal(res.Decoded, res.Raw) {
		t.Error("raw or decoded tier differs from the response body")
	}
	if len(res.Samples) != 10 {
		t.Errorf("len(Samples) = %d, want 10", len(res.Samples))
	}
	if res.Metadata.Title != "Pallet Town" || res.Metadata.Duration != time.Second {
		t.Errorf("unexpected metadata %+v", res.Metadata)
	}
	for _, tier := range []cache.Tier{cache.TierRaw, cache.TierDecoded, cache.TierNormalized} {
		if res.Source(tier) != Derived {
			t.Errorf("tier %v source = %v, want derived", tier, res.Source(tier))
		}
		if _, err := store.Get(context.Background(), tierKey(tier)); err != nil {
			t.Errorf("tier %v not persisted: %v", tier, err)
		}
	}
	if store.Len() != 3 {
		t.Errorf("store holds %d entries, want 3", store.Len())
	}
}

func TestResolveIdempotent(t *testing.T) {
	store := cache.NewMemoryStore()
	f := newFixture(t, store, nil)
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, testURL)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	f.resolver.Flush()

	second, err := f.resolver.Resolve(ctx, testURL)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if f.fetcher.Calls() != 1 || f.decoder.Calls() != 1 || f.normalizes != 1 {
		t.Errorf("second call did work: fetch=%d decode=%d normalize=%d", f.fetcher.Calls(), f.decoder.Calls(), f.normalizes)
	}
	for _, tier := range []cache.Tier{cache.TierRaw, cache.TierDecoded, cache.TierNormalized} {
		if second.Source(tier) != FromStore {
			t.Errorf("tier %v source = %v, want store", tier, second.Source(tier))
		}
	}
	if len(second.Samples) != len(first.Samples) {
		t.Fatalf("sample count changed: %d vs %d", len(second.Samples), len(first.Samples))
	}
	for i := range first.Samples {
		if first.Samples[i] != second.Samples[i] {
			t.Errorf("sample %d changed: %v vs %v", i, first.Samples[i], second.Samples[i])
		}
	}
	if second.Metadata.Title != "Pallet Town" {
		t.Errorf("metadata not recomputed: %+v", second.Metadata)
	}
}

func TestResolvePrepopulatedStoreDoesNoWork(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	wav := testWAV("Cerulean City")
	_ = store.Put(ctx, tierKey(cache.TierRaw), wav)
	_ = store.Put(ctx, tierKey(cache.TierDecoded), wav)
	_ = store.Put(ctx, tierKey(cache.TierNormalized), []byte("[0.25,0.5,1]"))

	f := newFixture(t, store, nil)
	res, err := f.resolver.Resolve(ctx, testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if f.fetcher.Calls() != 0 || f.decoder.Calls() != 0 || f.normalizes != 0 {
		t.Errorf("work done on full hit: fetch=%d decode=%d normalize=%d", f.fetcher.Calls(), f.decoder.Calls(), f.normalizes)
	}
	if len(res.Samples) != 3 || res.Samples[2] != 1 {
		t.Errorf("Samples = %v", res.Samples)
	}
	if res.Metadata.Title != "Cerulean City" {
		t.Errorf("metadata not derived from stored raw tier: %+v", res.Metadata)
	}
}

func TestResolveTierIndependence(t *testing.T) {
	ctx := context.Background()

	t.Run("raw and decoded stored", func(t *testing.T) {
		store := cache.NewMemoryStore()
		wav := testWAV("Viridian Forest")
		_ = store.Put(ctx, tierKey(cache.TierRaw), wav)
		_ = store.Put(ctx, tierKey(cache.TierDecoded), wav)

		f := newFixture(t, store, nil)
		res, err := f.resolver.Resolve(ctx, testURL)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if f.fetcher.Calls() != 0 {
			t.Errorf("fetched %d times, want 0", f.fetcher.Calls())
		}
		if f.decoder.Calls() != 1 {
			t.Errorf("decoded %d times, want 1", f.decoder.Calls())
		}
		if res.Source(cache.TierNormalized) != Derived || res.Source(cache.TierDecoded) != FromStore {
			t.Errorf("unexpected sources %v", res.Sources)
		}
	})

	t.Run("only decoded stored", func(t *testing.T) {
		store := cache.NewMemoryStore()
		stale := testWAV("Old Recording")
		_ = store.Put(ctx, tierKey(cache.TierDecoded), stale)

		f := newFixture(t, store, nil)
		res, err := f.resolver.Resolve(ctx, testURL)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if f.fetcher.Calls() != 1 {
			t.Errorf("fetched %d times, want 1", f.fetcher.Calls())
		}
		// the stored decoded tier wins even though raw was fetched fresh
		if !bytes.Equal(f.decoder.last, stale) {
			t.Error("decoder did not receive the stored decoded tier")
		}
		if res.Source(cache.TierRaw) != Derived || res.Source(cache.TierDecoded) != FromStore {
			t.Errorf("unexpected sources %v", res.Sources)
		}
		if res.Metadata.Title != "Pallet Town" {
			t.Errorf("metadata should come from the fresh raw tier: %+v", res.Metadata)
		}
	})
}

func TestResolveEmptySequenceIsMiss(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	wav := testWAV("Route 1")
	_ = store.Put(ctx, tierKey(cache.TierRaw), wav)
	_ = store.Put(ctx, tierKey(cache.TierDecoded), wav)
	_ = store.Put(ctx, tierKey(cache.TierNormalized), []byte("[]"))

	f := newFixture(t, store, nil)
	res, err := f.resolver.Resolve(ctx, testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if f.decoder.Calls() != 1 || res.Source(cache.TierNormalized) != Derived {
		t.Errorf("empty stored sequence was used as a hit")
	}
}

func TestResolveCorruptSequenceIsMiss(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	wav := testWAV("Route 1")
	_ = store.Put(ctx, tierKey(cache.TierRaw), wav)
	_ = store.Put(ctx, tierKey(cache.TierDecoded), wav)
	_ = store.Put(ctx, tierKey(cache.TierNormalized), []byte("{not json"))

	f := newFixture(t, store, nil)
	if _, err := f.resolver.Resolve(ctx, testURL); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	f.resolver.Flush()
	if f.decoder.Calls() != 1 {
		t.Errorf("decoded %d times, want 1", f.decoder.Calls())
	}
	got, _ := store.Get(ctx, tierKey(cache.TierNormalized))
	if len(got) == 0 || got[0] != '[' {
		t.Errorf("corrupt tier not replaced: %q", got)
	}
}

func TestResolveStoreFailureDegrades(t *testing.T) {
	f := newFixture(t, failingStore{}, nil)

	res, err := f.resolver.Resolve(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	f.resolver.Flush()

	if f.fetcher.Calls() != 1 || f.decoder.Calls() != 1 || f.normalizes != 1 {
		t.Errorf("calls fetch=%d decode=%d normalize=%d, want 1 each", f.fetcher.Calls(), f.decoder.Calls(), f.normalizes)
	}
	if len(res.Samples) == 0 {
		t.Error("no samples derived")
	}
	snap := f.resolver.Stats()
	if snap.WriteFailures != 3 {
		t.Errorf("WriteFailures = %d, want 3", snap.WriteFailures)
	}
}

func TestResolveFetchFailure(t *testing.T) {
	store := cache.NewMemoryStore()
	f := newFixture(t, store, nil)
	f.fetcher.status = 404

	_, err := f.resolver.Resolve(context.Background(), testURL)
	f.resolver.Flush()

	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != 404 || fe.URL != testURL {
		t.Errorf("unexpected fetch error %#v", err)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d entries after failed fetch", store.Len())
	}
	if got := f.resolver.Progress().State(f.resolver.Key(testURL)); got != StageFailed {
		t.Errorf("stage = %v, want failed", got)
	}
}

func TestResolveTransportError(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	f.fetcher.err = errors.New("connection refused")

	_, err := f.resolver.Resolve(context.Background(), testURL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if f.resolver.Stats().FetchFailures != 1 {
		t.Error("fetch failure not counted")
	}
}

func TestResolveMissingSource(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	for _, u := range []string{"", "   "} {
		if _, err := f.resolver.Resolve(context.Background(), u); !errors.Is(err, ErrMissingSource) {
			t.Errorf("Resolve(%q) error = %v, want ErrMissingSource", u, err)
		}
	}
	if f.fetcher.Calls() != 0 {
		t.Error("fetched without a source")
	}
}

func TestResolveDecoderErrorPropagates(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	f.fetcher.body = []byte("ID3 definitely not a wave file")

	_, err := f.resolver.Resolve(context.Background(), testURL)
	if !errors.Is(err, audio.ErrNotRIFF) {
		t.Fatalf("error = %v, want audio.ErrNotRIFF", err)
	}
}

func TestResolveTagFailureDegrades(t *testing.T) {
	var gotTags *audio.Tags
	called := false
	f := newFixture(t, cache.NewMemoryStore(), func(c *Config) {
		c.ParseTags = func([]byte) (*audio.Tags, error) { return nil, errors.New("bad tags") }
		c.GenerateMetadata = func(t *audio.Tags) Metadata {
			called, gotTags = true, t
			return Metadata{Title: "fallback"}
		}
	})

	res, err := f.resolver.Resolve(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !called || gotTags != nil || res.Metadata.Title != "fallback" {
		t.Errorf("metadata projection not run with absent tags: called=%v tags=%v meta=%+v", called, gotTags, res.Metadata)
	}
}

func TestResolveDeduplicatesConcurrentCalls(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	f.fetcher.started = make(chan struct{})
	f.fetcher.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.resolver.Resolve(context.Background(), testURL)
			errs <- err
		}()
	}

	<-f.fetcher.started
	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if f.fetcher.Calls() != 1 || f.decoder.Calls() != 1 {
		t.Errorf("fetch=%d decode=%d, want exactly one each", f.fetcher.Calls(), f.decoder.Calls())
	}
}

func TestResolveCancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	f.fetcher.started = make(chan struct{})
	f.fetcher.gate = make(chan struct{})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctxA, testURL)
		errA <- err
	}()
	<-f.fetcher.started

	errB := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(context.Background(), testURL)
		errB <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(f.fetcher.gate)
	if err := <-errB; err != nil {
		t.Fatalf("joined caller failed: %v", err)
	}
	if f.fetcher.Calls() != 1 {
		t.Errorf("fetched %d times, want 1", f.fetcher.Calls())
	}
}

func TestResolveReleasesLockAfterCallerCancel(t *testing.T) {
	locker := lock.NewLocal()
	f := newFixture(t, cache.NewMemoryStore(), func(c *Config) {
		c.Locker = locker
		c.LockTTL = time.Minute
	})
	f.fetcher.started = make(chan struct{})
	f.fetcher.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctx, testURL)
		done <- err
	}()
	<-f.fetcher.started
	cancel()
	<-done
	close(f.fetcher.gate)

	// the shared run finishes in the background and must unlock
	lockKey := "lock:" + f.resolver.Key(testURL)
	deadline := time.Now().Add(time.Second)
	for {
		l, ok, _ := locker.TryLock(context.Background(), lockKey, time.Minute)
		if ok {
			_ = l.Unlock(context.Background())
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock still held after the resolution finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveCustomMetadataArtwork(t *testing.T) {
	art := Artwork{Src: "https://media.example.com/pallet-town.png", Sizes: "512x512", Type: "image/png"}
	f := newFixture(t, cache.NewMemoryStore(), func(c *Config) {
		c.GenerateMetadata = func(tags *audio.Tags) Metadata {
			md := DefaultMetadata(tags)
			md.Artwork = []Artwork{art}
			return md
		}
	})

	res, err := f.resolver.Resolve(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(res.Metadata.Artwork) != 1 || res.Metadata.Artwork[0] != art {
		t.Errorf("artwork = %+v", res.Metadata.Artwork)
	}
	if res.Metadata.Title != "Pallet Town" {
		t.Errorf("title = %q", res.Metadata.Title)
	}
}

func TestResolveWaitsForLockHolder(t *testing.T) {
	locker := lock.NewLocal()
	store := cache.NewMemoryStore()
	f := newFixture(t, store, func(c *Config) {
		c.Locker = locker
		c.LockTTL = time.Minute
		c.MaxLockWait = time.Second
	})
	ctx := context.Background()

	// another process holds the lock and finishes its write shortly
	held, ok, _ := locker.TryLock(ctx, "lock:"+f.resolver.Key(testURL), time.Minute)
	if !ok {
		t.Fatal("could not take the lock")
	}
	defer held.Unlock(ctx)

	wav := testWAV("Lavender Town")
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Put(ctx, tierKey(cache.TierRaw), wav)
		_ = store.Put(ctx, tierKey(cache.TierDecoded), wav)
		_ = store.Put(ctx, tierKey(cache.TierNormalized), []byte("[1]"))
	}()

	start := time.Now()
	res, err := f.resolver.Resolve(ctx, testURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Resolve did not wait for the lock holder")
	}
	if f.fetcher.Calls() != 0 || f.decoder.Calls() != 0 {
		t.Errorf("did work the peer already did: fetch=%d decode=%d", f.fetcher.Calls(), f.decoder.Calls())
	}
	if res.Metadata.Title != "Lavender Town" {
		t.Errorf("unexpected metadata %+v", res.Metadata)
	}
}

func TestResolveGivesUpWaiting(t *testing.T) {
	locker := lock.NewLocal()
	f := newFixture(t, cache.NewMemoryStore(), func(c *Config) {
		c.Locker = locker
		c.LockTTL = time.Minute
		c.MaxLockWait = 100 * time.Millisecond
	})
	ctx := context.Background()
	if _, ok, _ := locker.TryLock(ctx, "lock:"+f.resolver.Key(testURL), time.Minute); !ok {
		t.Fatal("could not take the lock")
	}

	if _, err := f.resolver.Resolve(ctx, testURL); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if f.fetcher.Calls() != 1 {
		t.Errorf("fetched %d times, want 1", f.fetcher.Calls())
	}
}

func TestResolveStats(t *testing.T) {
	f := newFixture(t, cache.NewMemoryStore(), nil)
	ctx := context.Background()
	if _, err := f.resolver.Resolve(ctx, testURL); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	f.resolver.Flush()
	if _, err := f.resolver.Resolve(ctx, testURL); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	snap := f.resolver.Stats()
	for _, name := range []string{"raw", "decoded", "normalized"} {
		if got := snap.Tiers[name]; got.Hits != 1 || got.Misses != 1 {
			t.Errorf("tier %s counts = %+v, want 1/1", name, got)
		}
	}
	for _, step := range []string{stepFetch, stepDecode, stepNormalize} {
		if snap.Latency[step].Count != 1 {
			t.Errorf("latency %s count = %v, want 1", step, snap.Latency[step].Count)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no namespace", Config{Store: cache.NewMemoryStore(), Fetcher: &fakeFetcher{}}},
		{"no store", Config{Namespace: "ns", Fetcher: &fakeFetcher{}}},
		{"no fetcher", Config{Namespace: "ns", Store: cache.NewMemoryStore()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
