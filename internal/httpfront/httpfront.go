// Package httpfront implements the HTTP front (C8): a single listener that
// routes WebSocket upgrades to the WebSocket session package and serves
// everything else from a fixed public/ directory, with traversal
// prevention and cross-origin isolation headers.
package httpfront

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
)

// Handler is the root http.Handler for the server.
type Handler struct {
	publicDir string
	ws        http.Handler
	logger    *log.Logger
}

// New builds a Handler serving static files from publicDir and handing off
// WebSocket upgrades (on any path) to ws.
func New(publicDir string, ws http.Handler) *Handler {
	return &Handler{
		publicDir: publicDir,
		ws:        ws,
		logger:    log.New(os.Stdout, "[httpfront] ", log.LstdFlags),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.ws.ServeHTTP(w, r)
		return
	}

	h.logger.Printf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.Method != http.MethodGet {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	urlPath := r.URL.Path
	if urlPath == "/" {
		urlPath = "/viewer.html"
	}

	// Any ".." path element is a traversal attempt: refuse it here rather
	// than letting http.ServeFile answer it with its own 400.
	isSep := func(c rune) bool { return c == '/' || c == '\\' }
	for _, seg := range strings.FieldsFunc(urlPath, isSep) {
		if seg == ".." {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	filePath := filepath.Join(h.publicDir, filepath.Clean("/"+urlPath))
	if !strings.HasPrefix(filePath, h.publicDir+string(filepath.Separator)) && filePath != h.publicDir {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	if filepath.Ext(filePath) == ".html" {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}

	http.ServeFile(w, r, filePath)
}
