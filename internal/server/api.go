package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
}

type versionsResponse struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

type healthResponse struct {
	Status   string            `json:"status"`
	Sessions int               `json:"sessions"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Registry string            `json:"registry,omitempty"`
}

// pinger is implemented by registries that can check their feed is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) apiPackages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.coord.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "panel is not open"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) apiSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := pkgref.SearchOptions{Prerelease: q.Get("prerelease") == "true"}

	for _, p := range []struct {
		key string
		dst *int
	}{{"take", &opts.Take}, {"skip", &opts.Skip}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: %s must be a non-negative integer", core.ErrInvalidReference, p.key))
			return
		}
		*p.dst = n
	}

	results, err := s.manager.SearchRegistry(r.Context(), q.Get("q"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) apiVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versions, err := s.manager.ListVersions(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	writeJSON(w, http.StatusOK, versionsResponse{Name: name, Versions: versions})
}

// handleHealth reports breaker states. With ?deep=true it also checks that
// the registry feed answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: len(s.coord.Sessions()),
		Breakers: s.manager.BreakerStates(),
	}
	status := http.StatusOK

	for _, state := range resp.Breakers {
		if state == "open" {
			resp.Status = "degraded"
		}
	}

	if r.URL.Query().Get("deep") == "true" {
		if p, ok := s.manager.Registry().(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				resp.Status = "unavailable"
				resp.Registry = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}
