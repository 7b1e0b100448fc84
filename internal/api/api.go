// Package api is the operator HTTP surface: CRUD over the directory
// entries that drive the sync engine (zones, records, config objects),
// in the same go-chi router/middleware style the teacher's http.go uses
// for its own administrative endpoints. A write here only ever touches
// internal/directory.Store; the change-stream consumer picks the
// mutation up on its next poll and runs it through the normal
// projector/record-updater pipeline. This package does not call the
// write-back or PTR-sync path (K); that path is reached only through
// internal/dnsserver's dynamic-update handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/zonereg"
)

// Deps are the API's collaborators.
type Deps struct {
	Store   *directory.Store
	Zones   *zonereg.Register
	Token   string // empty disables auth, matching the teacher's APIToken default
	Started time.Time
}

// Server is the operator HTTP surface.
type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Server{deps: deps}
}

// Run starts the HTTP listener and blocks until ctx is canceled, then
// shuts down within a bounded grace period, mirroring runHTTP's
// shutdown-on-cancel idiom.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/zones", s.handleZones)
		r.Get("/v1/entries/{dn}", s.handleEntryGet)
		r.Post("/v1/entries", s.handleEntryAdd)
		r.Put("/v1/entries/{dn}", s.handleEntryModify)
		r.Delete("/v1/entries/{dn}", s.handleEntryDelete)
		r.Get("/v1/entries", s.handleEntrySearch)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != s.deps.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"uptime_sec": int(time.Since(s.deps.Started).Seconds()),
	})
}

func (s *Server) handleZones(w http.ResponseWriter, _ *http.Request) {
	type zoneView struct {
		Origin string `json:"origin"`
		DN     string `json:"dn"`
		Kind   string `json:"kind"`
		Serial uint32 `json:"serial"`
	}
	var zones []zoneView
	s.deps.Zones.Iterate(func(info *zonereg.Info) bool {
		kind := "master"
		if info.Kind == zonereg.KindForward {
			kind = "forward"
		}
		var serial uint32
		if info.DB != nil {
			serial = info.DB.Serial()
		}
		zones = append(zones, zoneView{Origin: info.Origin, DN: info.DN, Kind: kind, Serial: serial})
		return true
	})
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones})
}

type entryView struct {
	DN      string              `json:"dn"`
	Classes []string            `json:"object_class"`
	Attrs   map[string][]string `json:"attrs"`
}

func toEntryView(e *entry.Entry) entryView {
	attrs := make(map[string][]string, len(e.Names()))
	for _, name := range e.Names() {
		attrs[name] = e.Attr(name)
	}
	return entryView{DN: e.DN, Classes: objectClassNames(e.Classes), Attrs: attrs}
}

func objectClassNames(c entry.Class) []string {
	var out []string
	if c.Has(entry.ClassConfig) {
		out = append(out, "idnsConfigObject")
	}
	if c.Has(entry.ClassMasterZone) {
		out = append(out, "idnsZone")
	}
	if c.Has(entry.ClassForwardZone) {
		out = append(out, "idnsForwardZone")
	}
	if c.Has(entry.ClassRecord) {
		out = append(out, "idnsRecord")
	}
	return out
}

func (s *Server) handleEntryGet(w http.ResponseWriter, r *http.Request) {
	dn := chi.URLParam(r, "dn")
	e, err := s.deps.Store.Get(r.Context(), dn)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(e))
}

func (s *Server) handleEntrySearch(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSpace(r.URL.Query().Get("base"))
	if base == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "base query parameter is required"})
		return
	}
	entries, err := s.deps.Store.SearchSubtree(r.Context(), base)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toEntryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

type entryRequest struct {
	DN      string              `json:"dn"`
	Classes []string            `json:"object_class"`
	Attrs   map[string][]string `json:"attrs"`
}

func (s *Server) handleEntryAdd(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.DN == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dn is required"})
		return
	}
	e := entry.New(req.DN, entry.ClassFromObjectClasses(req.Classes), req.Attrs)
	if err := s.deps.Store.Add(r.Context(), e); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(e))
}

func (s *Server) handleEntryModify(w http.ResponseWriter, r *http.Request) {
	dn := chi.URLParam(r, "dn")
	var req entryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	classes := entry.ClassFromObjectClasses(req.Classes)
	if len(req.Classes) == 0 {
		existing, err := s.deps.Store.Get(r.Context(), dn)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		classes = existing.Classes
	}
	if err := s.deps.Store.Modify(r.Context(), dn, req.Attrs, classes); err != nil {
		writeStoreError(w, err)
		return
	}
	e, err := s.deps.Store.Get(r.Context(), dn)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(e))
}

func (s *Server) handleEntryDelete(w http.ResponseWriter, r *http.Request) {
	dn := chi.URLParam(r, "dn")
	if err := s.deps.Store.Delete(r.Context(), dn); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": dn})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, direrr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, direrr.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
