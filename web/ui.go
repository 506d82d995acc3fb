package web

import (
	"embed"
	"io/fs"
	"net/http"
)

// Embed the built-in session screens. A browser extension may point the
// screen URLs elsewhere; these are the defaults served by the daemon.
//
//go:embed screens
var screensFS embed.FS

// ServeStart serves the session-start screen. Query parameters (site,
// return) are consumed client-side.
func ServeStart(w http.ResponseWriter, r *http.Request) {
	servePage(w, "screens/start.html")
}

// ServeReflection serves the mandatory-reflection screen.
func ServeReflection(w http.ResponseWriter, r *http.Request) {
	servePage(w, "screens/reflection.html")
}

func servePage(w http.ResponseWriter, path string) {
	data, err := fs.ReadFile(screensFS, path)
	if err != nil {
		http.Error(w, "screen not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
