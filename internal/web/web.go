// Package web serves the embedded graph explorer page.
package web

import (
	"bytes"
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static/*
var staticFiles embed.FS

// Handler serves the page and its assets. Unknown paths without an
// extension fall back to index.html.
func Handler() http.Handler {
	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return &handler{assets: assets}
}

type handler struct {
	assets fs.FS
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" || strings.HasSuffix(r.URL.Path, "/") {
		path = "index.html"
	}

	if !strings.Contains(path, "..") && h.serveAsset(w, r, path) {
		return
	}
	if !strings.Contains(path, ".") && h.serveAsset(w, r, "index.html") {
		return
	}

	http.NotFound(w, r)
}

func (h *handler) serveAsset(w http.ResponseWriter, r *http.Request, path string) bool {
	data, err := fs.ReadFile(h.assets, path)
	if err != nil {
		return false
	}
	info, err := fs.Stat(h.assets, path)
	if err != nil || info.IsDir() {
		return false
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, path, info.ModTime(), bytes.NewReader(data))
	return true
}
