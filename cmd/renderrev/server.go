package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/renderrev/audit"
	"github.com/hazyhaar/renderrev/convert"
	"github.com/hazyhaar/renderrev/drift"
	"github.com/hazyhaar/renderrev/fingerprint"
	"github.com/hazyhaar/renderrev/page"
	"github.com/hazyhaar/renderrev/render"
	"github.com/hazyhaar/renderrev/watch"
)

const maxBodyBytes = 4 << 20

type server struct {
	pages     *page.Store
	pipeline  *render.Pipeline
	engine    *drift.Engine
	fps       *fingerprint.Store
	conv      *convert.Converter
	auditLog  *audit.Logger
	sweeper   *watch.Watcher
	adminHash []byte
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/pages/{id}", func(r chi.Router) {
		r.Get("/", s.handleShow)
		r.Get("/source", s.handleSource)
		r.Get("/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/", s.handleSave)
			r.Delete("/", s.handleDelete)
			r.Post("/import", s.handleImport)
		})
	})

	r.Get("/drift/status", s.handleDriftStatus)
	r.Get("/drift/events", s.handleDriftEvents)

	return r
}

// handleShow renders the current page (or a historical / point-in-time view)
// and serves the HTML. Drift processing runs inside the pipeline's last
// post-render stage and only for the normal current-state view.
func (s *server) handleShow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	exists, err := s.pages.Exists(ctx, id)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	view := drift.View{
		Mode:   "show",
		PageID: id,
		Exists: exists,
	}

	var source string
	switch {
	case r.URL.Query().Get("rev") != "":
		view.Revision = r.URL.Query().Get("rev")
		rev, err := s.pages.Revision(ctx, view.Revision)
		if err != nil || rev.PageID != id {
			writeJSON(w, 404, map[string]string{"error": "revision not found"})
			return
		}
		source = rev.Source

	case r.URL.Query().Get("at") != "":
		sec, err := strconv.ParseInt(r.URL.Query().Get("at"), 10, 64)
		if err != nil {
			writeJSON(w, 400, map[string]string{"error": "invalid at timestamp"})
			return
		}
		view.At = time.Unix(sec, 0)
		rev, err := s.pages.At(ctx, id, view.At)
		if err != nil {
			writeJSON(w, 404, map[string]string{"error": "no revision at that time"})
			return
		}
		source = rev.Source

	default:
		if !exists {
			writeJSON(w, 404, map[string]string{"error": "page not found"})
			return
		}
		p, err := s.pages.Get(ctx, id)
		if err != nil {
			writeJSON(w, 500, map[string]string{"error": err.Error()})
			return
		}
		source = p.Source
	}

	cycle := drift.NewCycle()
	html, err := s.pipeline.Render(ctx, cycle, view, source)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

func (s *server) handleSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	source, err := s.pages.Source(r.Context(), id)
	if errors.Is(err, page.ErrNotFound) {
		writeJSON(w, 404, map[string]string{"error": "page not found"})
		return
	}
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	io.WriteString(w, source)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	revs, err := s.pages.History(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, revs)
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": "read body"})
		return
	}
	comment := r.URL.Query().Get("comment")

	rev, err := s.pages.Save(r.Context(), id, string(body), comment, false)
	if errors.Is(err, page.ErrUnchanged) {
		writeJSON(w, 200, map[string]string{"status": "unchanged"})
		return
	}
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, rev)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pages.Delete(r.Context(), id); err != nil {
		if errors.Is(err, page.ErrNotFound) {
			writeJSON(w, 404, map[string]string{"error": "page not found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	if err := s.fps.Remove(id); err != nil {
		// The sweeper will get it on the next pass.
		writeJSON(w, 200, map[string]string{"status": "deleted", "warning": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

// handleImport accepts an HTML document, converts it to markdown, and saves
// it as the page source through the normal revision path.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": "read body"})
		return
	}

	markdown, title, err := s.conv.ToMarkdown(body)
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}

	rev, err := s.pages.Save(r.Context(), id, markdown, "Imported from HTML", false)
	if errors.Is(err, page.ErrUnchanged) {
		writeJSON(w, 200, map[string]string{"status": "unchanged", "title": title})
		return
	}
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"revision": rev, "title": title})
}

func (s *server) handleDriftStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.fps.Count()
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	status := map[string]any{
		"engine":       s.engine.Stats(),
		"fingerprints": count,
	}
	if s.sweeper != nil {
		status["sweeper"] = s.sweeper.Stats()
	}
	writeJSON(w, 200, status)
}

func (s *server) handleDriftEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.auditLog.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, events)
}

// requireAdmin gates write endpoints behind basic auth checked against the
// bcrypt hash of ADMIN_PASSWORD.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="renderrev"`)
			writeJSON(w, 401, map[string]string{"error": "authentication required"})
			return
		}
		userOK := subtle.ConstantTimeCompare(hashBytes(user), hashBytes("admin")) == 1
		passOK := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)) == nil
		if !userOK || !passOK {
			writeJSON(w, 403, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hashBytes(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
