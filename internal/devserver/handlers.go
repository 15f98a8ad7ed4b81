package devserver

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/conneroisu/bundlr/internal/hmr"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebSocketPath, s.hub.HandleWebSocket)
	mux.HandleFunc("GET "+ClientPath, s.handleClient)
	mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	mux.HandleFunc("GET "+OverlayPath, s.handleOverlay)
	mux.Handle("GET "+MetricsPath, s.metrics.Handler())
	mux.HandleFunc("/", s.handleArtifact)

	return Chain(mux,
		LoggingMiddleware(s.logger),
		HeadersMiddleware(s.cfg.Server.Headers),
		CORSMiddleware(s.cfg.Server),
	)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "client.js", time.Time{}, bytes.NewReader(hmr.ClientScript))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn(r.Context(), err, "failed to write status")
	}
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	overlay := s.errors.ErrorOverlay()
	if overlay == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_, _ = w.Write([]byte(overlay))
}

// handleArtifact serves the last good build. Paths without an extension
// that name no artifact fall back to the html page when enabled.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mutex.RLock()
	snap := s.good
	s.mutex.RUnlock()
	if snap == nil {
		s.serveUnavailable(w, r)
		return
	}

	name, ok := s.artifactName(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if name == "" {
		name = s.cfg.HTML.Filename
	}
	data, found := snap.files[name]
	if !found && s.cfg.Server.HistoryAPIFallback && path.Ext(name) == "" && acceptsHTML(r) {
		name = s.cfg.HTML.Filename
		data, found = snap.files[name]
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// serveUnavailable answers before the first good build. Pages get the
// error overlay when the build failed.
func (s *Server) serveUnavailable(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	overlay := s.errors.ErrorOverlay()
	if overlay != "" && acceptsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>Build failed</title>" +
			`<script src="` + ClientPath + `"></script></head><body>` + overlay + "</body></html>"))
		return
	}
	http.Error(w, "build in progress", http.StatusServiceUnavailable)
}

// artifactName maps a request path to an output file name below the
// public path.
func (s *Server) artifactName(p string) (string, bool) {
	prefix := "/"
	if pub := s.cfg.Output.PublicPath; pub != "" {
		if u, err := url.Parse(pub); err == nil && u.Path != "" {
			prefix = u.Path
		}
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	clean := path.Clean("/" + p)
	if clean+"/" == prefix {
		return "", true
	}
	if !strings.HasPrefix(clean, prefix) {
		return "", false
	}
	return strings.TrimPrefix(clean, prefix), true
}

func acceptsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

// originPatterns converts configured origins to the host patterns the
// websocket handshake matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
