package resource

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Handle is a revocable reference to the raw bytes of a resource, served
// under URL until released.
type Handle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Registry owns the live object handles of a process.
type Registry struct {
	base    string
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewRegistry returns an empty registry whose handle URLs start with base.
func NewRegistry(base string) *Registry {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Registry{base: base, objects: make(map[string][]byte)}
}

func (r *Registry) create(data []byte) Handle {
	id := uuid.NewString()
	r.mu.Lock()
	r.objects[id] = data
	r.mu.Unlock()
	return Handle{ID: id, URL: r.base + id}
}

// Lookup returns the bytes behind a live handle.
func (r *Registry) Lookup(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.objects[id]
	return data, ok
}

// Revoke drops a handle. It reports whether the handle was live.
func (r *Registry) Revoke(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[id]
	delete(r.objects, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Session is one consumer's view of a resolved resource. It owns at most
// one object handle, created on first use and revoked by Release.
type Session struct {
	result  *Result
	objects *Registry
	log     *log.Logger

	mu       sync.Mutex
	handle   *Handle
	released bool
	done     chan struct{}
}

// Open resolves sourceURL and wraps the result in a Session. When teardown
// is closed the session releases itself. A nil teardown leaves release to
// the caller and logs a warning, since a forgotten handle keeps the raw
// bytes alive.
func (r *Resolver) Open(ctx context.Context, sourceURL string, teardown <-chan struct{}) (*Session, error) {
	res, err := r.Resolve(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	s := &Session{result: res, objects: r.objects, log: r.log, done: make(chan struct{})}

	if teardown == nil {
		r.log.Warn("no teardown hook provided, the object handle must be released manually", "key", res.Key)
		return s, nil
	}
	go func() {
		select {
		case <-teardown:
			s.Release()
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *Session) Result() *Result { return s.result }

// ObjectURL returns the session's handle, creating it on first call.
func (s *Session) ObjectURL() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Handle{}, ErrReleased
	}
	if s.handle == nil {
		h := s.objects.create(s.result.Raw)
		s.handle = &h
	}
	return *s.handle, nil
}

// Release revokes the handle if one was created. Calling it more than once
// is harmless.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	close(s.done)
	if s.handle != nil {
		s.log.Debug("releasing object handle", "key", s.result.Key, "id", s.handle.ID)
		s.objects.Revoke(s.handle.ID)
	}
}
