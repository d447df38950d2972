package server

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

const welcomeMessage = "Welcome to the Task Manager API. No frontend index.html found."

// fallbackHandler serves everything no route matched. Paths under basePath
// always get a JSON 404; other GETs get the static file, then index.html,
// then a plain welcome text.
func fallbackHandler(basePath, staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if isAPIPath(basePath, r.URL.Path) {
			writeJSONError(w, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if staticDir != "" {
			if rel := path.Clean("/" + r.URL.Path); rel != "/" {
				if serveFile(w, r, filepath.Join(staticDir, filepath.FromSlash(rel))) {
					return
				}
			}
			if serveFile(w, r, filepath.Join(staticDir, "index.html")) {
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.WriteString(w, welcomeMessage)
		}
	}
}

// serveFile writes the regular file at name and reports whether it did.
func serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}
