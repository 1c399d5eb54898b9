package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/52poke/kodama/internal/cache"
	"github.com/52poke/kodama/internal/resource"
	"github.com/52poke/kodama/internal/waveform"
)

type Handler struct {
	Resolver *resource.Resolver
	Log      *log.Logger
	Style    waveform.Style
	// Teardown ends every object session; usually the server's shutdown
	// signal.
	Teardown <-chan struct{}

	mux      *http.ServeMux
	mu       sync.Mutex
	sessions map[string]*resource.Session
}

type resourceResponse struct {
	Key      string            `json:"key"`
	URL      string            `json:"url"`
	Bytes    int               `json:"bytes"`
	Samples  []float64         `json:"samples"`
	Metadata resource.Metadata `json:"metadata"`
	Tiers    map[string]string `json:"tiers"`
	Stage    string            `json:"stage"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(resolver *resource.Resolver, logger *log.Logger, teardown <-chan struct{}) *Handler {
	h := &Handler{
		Resolver: resolver,
		Log:      logger,
		Style:    waveform.Style{LineWidth: 2, Color: "#4b5563"},
		Teardown: teardown,
		sessions: make(map[string]*resource.Session),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /resource", h.serveResource)
	mux.HandleFunc("GET /waveform.svg", h.serveWaveform)
	mux.HandleFunc("GET /progress", h.serveProgress)
	mux.HandleFunc("GET /stats", h.serveStats)
	mux.HandleFunc("POST /objects", h.createObject)
	mux.HandleFunc("GET /objects/{id}", h.serveObject)
	mux.HandleFunc("DELETE /objects/{id}", h.releaseObject)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveResource(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolve(w, r)
	if !ok {
		return
	}
	tiers := make(map[string]string, 3)
	for _, tier := range []cache.Tier{cache.TierRaw, cache.TierDecoded, cache.TierNormalized} {
		tiers[tier.String()] = res.Source(tier).String()
	}
	w.Header().Set("X-Kodama-Cache", cacheStatus(res))
	writeJSON(w, http.StatusOK, resourceResponse{
		Key:      res.Key,
		URL:      res.URL,
		Bytes:    len(res.Raw),
		Samples:  res.Samples,
		Metadata: res.Metadata,
		Tiers:    tiers,
		Stage:    h.Resolver.Progress().State(res.Key).String(),
	})
}

func (h *Handler) serveWaveform(w http.ResponseWriter, r *http.Request) {
	width, height, ok := Dimensions(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid width or height"})
		return
	}
	res, ok := h.resolve(w, r)
	if !ok {
		return
	}
	doc, err := waveform.Render(res.Samples, width, height, h.Style)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, waveform.ErrEmptySequence) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("X-Kodama-Cache", cacheStatus(res))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (h *Handler) serveProgress(w http.ResponseWriter, r *http.Request) {
	info := ClassifySource(r)
	if !info.Valid {
		writeInvalidSource(w, info)
		return
	}
	key := h.Resolver.Key(info.URL)
	writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"stage": h.Resolver.Progress().State(key).String(),
	})
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Resolver.Stats())
}

func (h *Handler) createObject(w http.ResponseWriter, r *http.Request) {
	info := ClassifySource(r)
	if !info.Valid {
		writeInvalidSource(w, info)
		return
	}
	s, err := h.Resolver.Open(r.Context(), info.URL, h.Teardown)
	if err != nil {
		h.writeResolveError(w, info.URL, err)
		return
	}
	handle, err := s.ObjectURL()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	h.mu.Lock()
	h.sessions[handle.ID] = s
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, handle)
}

func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request) {
	data, ok := h.Resolver.Objects().Lookup(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) releaseObject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.Release()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*resource.Result, bool) {
	info := ClassifySource(r)
	if !info.Valid {
		writeInvalidSource(w, info)
		return nil, false
	}
	res, err := h.Resolver.Resolve(r.Context(), info.URL)
	if err != nil {
		h.writeResolveError(w, info.URL, err)
		return nil, false
	}
	return res, true
}

func writeInvalidSource(w http.ResponseWriter, info SourceInfo) {
	msg := "invalid source url"
	if info.Reason == "missing-url" {
		msg = resource.ErrMissingSource.Error()
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Reason: info.Reason})
}

func (h *Handler) writeResolveError(w http.ResponseWriter, sourceURL string, err error) {
	switch {
	case errors.Is(err, resource.ErrMissingSource):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, resource.ErrFetchFailed):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		h.Log.Error("resolve failed", "url", sourceURL, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// cacheStatus summarises where the tiers came from: HIT when all were in
// the store, MISS when none were.
func cacheStatus(res *resource.Result) string {
	fromStore := 0
	for _, src := range res.Sources {
		if src == resource.FromStore {
			fromStore++
		}
	}
	switch fromStore {
	case len(res.Sources):
		return "HIT"
	case 0:
		return "MISS"
	default:
		return "PARTIAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
