// Package httpapi wires the WebSocket upgrade route, static UI assets, and
// a health endpoint onto a stdlib mux. Routing, auth, and anything else a
// deployment puts in front of this belongs to the binary embedding the
// module, not to roamdex itself.
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/fanout"
	"github.com/roamdex/roamdex/internal/latexrender"
	"github.com/roamdex/roamdex/internal/orghtml"
	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/search"
	"github.com/roamdex/roamdex/internal/session"
)

//go:embed static/*
var staticFS embed.FS

// Logger is the minimal logging surface the server needs.
type Logger interface {
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// Server exposes the live-update and search surface over HTTP/WebSocket.
type Server struct {
	Registry     *fanout.Registry
	Coordinator  *search.Coordinator
	Cache        *doccache.Cache
	Renderer     *latexrender.Renderer
	Log          Logger
	Addr         string
	PingInterval time.Duration

	upgrader websocket.Upgrader
}

// New constructs a Server. reg and coord must already be wired to the
// indexer/watcher pipeline by the caller.
func New(addr string, reg *fanout.Registry, coord *search.Coordinator, cache *doccache.Cache, renderer *latexrender.Renderer, log Logger, pingInterval time.Duration) *Server {
	return &Server{
		Registry:     reg,
		Coordinator:  coord,
		Cache:        cache,
		Renderer:     renderer,
		Log:          log,
		Addr:         addr,
		PingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the route table. Exposed separately from Start so an embedding
// binary can mount it under its own http.Server or alongside other routes.
func (s *Server) Mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	staticContent, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, rerr.New(rerr.IO, "httpapi.Mux", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticContent))))
	mux.Handle("/", http.FileServer(http.FS(staticContent)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/nodes/", s.handleNodeExport)
	mux.HandleFunc("/api/latex/render", s.handleLatexRender)
	mux.HandleFunc("/api/editor", s.handleEditorNotify)

	return mux, nil
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux, err := s.Mux()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         s.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.Log != nil {
		s.Log.Info("httpapi server starting", "addr", s.Addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return rerr.New(rerr.IO, "httpapi.Start", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("websocket upgrade failed", "err", err)
		}
		return
	}

	id := s.clientID(r)
	sess := session.New(id, conn, s.Registry, s.Coordinator, s.Log, s.PingInterval)

	if err := sess.Run(r.Context()); err != nil && s.Log != nil {
		s.Log.Info("session ended", "session", id, "err", err)
	}
}

// handleNodeExport renders /api/nodes/{id}/html: the cached document body
// for id, exported to HTML via orghtml, a pure function with no further
// dependency on the store or cache once the content is in hand.
func (s *Server) handleNodeExport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/nodes/"), "/html")
	if id == "" || id == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	entry, ok := s.Cache.Retrieve(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, linkIDs, placeholders := orghtml.Export(entry.Content)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"html": body, "link_ids": linkIDs, "latex_placeholders": placeholders,
	})
}

// handleLatexRender renders a single LaTeX fragment to SVG via the
// latexrender command pipeline. Request body: {"fragment":"...","preamble":"..."}.
func (s *Server) handleLatexRender(w http.ResponseWriter, r *http.Request) {
	if s.Renderer == nil {
		http.Error(w, "latex rendering not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Fragment string `json:"fragment"`
		Preamble string `json:"preamble"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}

	svg, err := s.Renderer.Render(r.Context(), req.Fragment, req.Preamble)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("latex render failed", "err", err)
		}
		http.Error(w, "render failed", http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

// handleEditorNotify is the trigger an embedding editor integration calls
// out-of-band (outside the WebSocket itself) to report that the user
// navigated to a node or saved a buffer. It has no session of its own to
// reply on, so it broadcasts node_visited/buffer_modified to every
// connected session and answers with 204, mirroring the task=opened/
// task=modified query-param shape of the editor-integration endpoint this
// is descended from.
//
//	GET /api/editor?task=opened&id=<node-id>
//	GET /api/editor?task=modified
func (s *Server) handleEditorNotify(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("task") {
	case "opened":
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required for task=opened", http.StatusBadRequest)
			return
		}
		if err := session.PublishNodeVisited(s.Registry, id); err != nil {
			http.Error(w, "failed to publish node_visited", http.StatusInternalServerError)
			return
		}
	case "modified":
		if err := session.PublishBufferModified(s.Registry); err != nil {
			http.Error(w, "failed to publish buffer_modified", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "task must be 'opened' or 'modified'", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientID assigns each WebSocket connection a fresh ephemeral identifier,
// used for broadcast bookkeeping and session logs. It carries no relation to
// the remote address: two connections from the same client get distinct ids.
func (s *Server) clientID(r *http.Request) string {
	return uuid.NewString()
}
