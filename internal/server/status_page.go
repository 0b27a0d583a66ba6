package server

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed status.html
var statusHTML string

// StatusHandler serves the live state page for the admin prefix.
func StatusHandler(admin string) http.HandlerFunc {
	page := strings.ReplaceAll(statusHTML, "{{ADMIN}}", admin)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}
}
