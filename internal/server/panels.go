package server

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/internal/manifest"
	"github.com/git-pkgs/pkgref/internal/render"
	"github.com/git-pkgs/pkgref/internal/view"
)

const indexTitle = "NuGet Manager"

// browse is the search state of a panel page.
type browse struct {
	query      string
	prerelease bool
	results    []pkgref.SearchResult
}

func panelURL(s *view.Session) string {
	return "/panels/" + url.PathEscape(s.ID())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, http.StatusOK, "")
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	_, _ = w.Write(s.styles)
}

// handleOpen reveals the panel for a manifest, creating it if needed.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.FormValue("manifest"))
	if path != "" && !manifest.Supported(path) {
		s.renderIndex(w, http.StatusUnprocessableEntity, fmt.Sprintf("%s is not a supported manifest", path))
		return
	}

	sess, err := s.coord.Open(r.Context(), path)
	if err != nil {
		s.renderIndex(w, statusFor(err), err.Error())
		return
	}
	http.Redirect(w, r, panelURL(sess), http.StatusSeeOther)
}

// handlePanel re-reads the manifest and renders the panel, with registry
// search results when a query is given.
func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if err := s.coord.Refresh(r.Context(), sess); err != nil {
		if errors.Is(err, view.ErrSessionClosed) {
			s.panelGone(w, r, sess)
			return
		}
		s.renderPanel(w, sess, statusFor(err), err.Error(), browse{})
		return
	}

	b := browse{
		query:      strings.TrimSpace(r.URL.Query().Get("q")),
		prerelease: r.URL.Query().Get("prerelease") == "true",
	}
	if b.query == "" {
		s.renderPanel(w, sess, http.StatusOK, "", b)
		return
	}

	results, err := s.manager.SearchRegistry(r.Context(), b.query, pkgref.SearchOptions{Prerelease: b.prerelease})
	if err != nil {
		s.renderPanel(w, sess, statusFor(err), err.Error(), b)
		return
	}
	b.results = results
	s.renderPanel(w, sess, http.StatusOK, "", b)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	version := strings.TrimSpace(r.FormValue("version"))

	if name != "" && version == "" {
		latest, err := s.manager.LatestVersion(r.Context(), name, r.FormValue("prerelease") == "true")
		if err != nil {
			s.renderPanel(w, sess, statusFor(err), err.Error(), browse{})
			return
		}
		version = latest.Number
	}

	fresh, err := s.coord.Add(r.Context(), sess.ManifestPath(), name, version)
	s.finish(w, r, sess, fresh, err)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	fresh, err := s.coord.Update(r.Context(), sess.ManifestPath(), r.FormValue("name"), r.FormValue("version"))
	s.finish(w, r, sess, fresh, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	fresh, err := s.coord.Delete(r.Context(), sess.ManifestPath(), r.FormValue("name"))
	s.finish(w, r, sess, fresh, err)
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Dispose()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// panelGone sends a request for a closed panel to the panel that replaced it
// for the same manifest, keeping the query. Without one it answers 410.
func (s *Server) panelGone(w http.ResponseWriter, r *http.Request, sess *view.Session) {
	current, ok := s.coord.Session(sess.ManifestPath())
	if !ok || current == sess {
		s.renderIndex(w, http.StatusGone, "panel was closed")
		return
	}
	target := panelURL(current)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// finish redirects to the rebuilt panel, or re-renders the unchanged one
// with the error.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, old, fresh *view.Session, err error) {
	if err != nil {
		s.logger.Info("panel operation failed", "session_id", old.ID(), "manifest", old.ManifestPath(), "error", err)
		s.renderPanel(w, old, statusFor(err), err.Error(), browse{})
		return
	}
	http.Redirect(w, r, panelURL(fresh), http.StatusSeeOther)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*view.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.coord.Lookup(id)
	if !ok {
		s.renderIndex(w, http.StatusNotFound, fmt.Sprintf("panel %s is not open", id))
		return nil, false
	}
	return sess, true
}

func (s *Server) renderIndex(w http.ResponseWriter, status int, message string) {
	var panels strings.Builder
	for _, sess := range s.coord.Sessions() {
		fmt.Fprintf(&panels, "  <li><a href=\"%s\">%s</a> <span class=\"manifest\">%s</span></li>\n",
			esc(panelURL(sess)), esc(sess.Title()), esc(sess.ManifestPath()))
	}

	s.writePage(w, status, s.indexPage, map[string]string{
		"title":   esc(indexTitle),
		"message": esc(message),
		"panels":  panels.String(),
	})
}

func (s *Server) renderPanel(w http.ResponseWriter, sess *view.Session, status int, message string, b browse) {
	snap := sess.Snapshot()
	action := esc(panelURL(sess))

	var rows strings.Builder
	for _, ref := range snap.References {
		name, version := esc(ref.Name), esc(ref.Version)
		fmt.Fprintf(&rows, "    <tr><td>%s</td><td>%s</td><td>"+
			"<form class=\"inline\" method=\"post\" action=\"%s/update\"><input type=\"hidden\" name=\"name\" value=\"%s\"><input name=\"version\" value=\"%s\" size=\"12\"><button type=\"submit\">Update</button></form> "+
			"<form class=\"inline\" method=\"post\" action=\"%s/delete\"><input type=\"hidden\" name=\"name\" value=\"%s\"><button type=\"submit\">Remove</button></form>"+
			"</td></tr>\n",
			name, version, action, name, version, action, name)
	}

	var results strings.Builder
	for _, res := range b.results {
		name := esc(res.Name)
		fmt.Fprintf(&results, "    <tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>"+
			"<form class=\"inline\" method=\"post\" action=\"%s/add\"><input type=\"hidden\" name=\"name\" value=\"%s\"><input name=\"version\" value=\"%s\" size=\"12\"><button type=\"submit\">Install</button></form>"+
			"</td></tr>\n",
			esc(res.DetailURL), name, esc(res.Description), action, name, esc(res.LatestVersion))
	}

	checked := ""
	if b.prerelease {
		checked = " checked"
	}

	s.writePage(w, status, s.panelPage, map[string]string{
		"title":             esc(snap.Title),
		"id":                esc(snap.ID),
		"manifest":          esc(snap.ManifestPath),
		"loadedAt":          esc(snap.LoadedAt.Format(time.RFC3339)),
		"message":           esc(message),
		"query":             esc(b.query),
		"prereleaseChecked": checked,
		"rows":              rows.String(),
		"results":           results.String(),
	})
}

func (s *Server) writePage(w http.ResponseWriter, status int, template string, values map[string]string) {
	body := render.Render(template, values)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func esc(s string) string {
	return html.EscapeString(s)
}
