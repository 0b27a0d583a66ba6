// Package static serves public assets directly from disk so they never reach
// the backend.
package static

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/internal/metrics"
)

// DefaultExtensions lists the suffixes treated as static assets.
var DefaultExtensions = []string{
	".ico", ".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg",
	".woff", ".woff2", ".ttf", ".eot", ".pdf", ".txt", ".json",
	".xml", ".map", ".webp", ".avif",
}

// DefaultPrefixes lists path prefixes always served from disk.
var DefaultPrefixes = []string{"/assets/", "/build/"}

const (
	longCache  = "public, max-age=31536000"
	shortCache = "public, max-age=86400"
)

var contentTypes = map[string]string{
	"html":  "text/html",
	"htm":   "text/html",
	"css":   "text/css",
	"js":    "application/javascript",
	"mjs":   "application/javascript",
	"json":  "application/json",
	"xml":   "application/xml",
	"txt":   "text/plain",
	"ico":   "image/vnd.microsoft.icon",
	"svg":   "image/svg+xml",
	"png":   "image/png",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"gif":   "image/gif",
	"webp":  "image/webp",
	"avif":  "image/avif",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"ttf":   "font/ttf",
	"eot":   "application/vnd.ms-fontobject",
	"pdf":   "application/pdf",
}

// ContentType maps a file name to its media type by extension.
func ContentType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// CacheControl picks the cache policy for a request path.
func CacheControl(urlPath string) string {
	if strings.HasPrefix(urlPath, "/build/") || (strings.Contains(urlPath, ".") && !strings.HasSuffix(urlPath, ".html")) {
		return longCache
	}
	return shortCache
}

// Matcher decides which request paths are static assets.
type Matcher struct {
	Extensions []string
	Prefixes   []string
}

// NewMatcher returns a matcher; empty lists select the defaults.
func NewMatcher(extensions, prefixes []string) Matcher {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	return Matcher{Extensions: extensions, Prefixes: prefixes}
}

// Match reports whether urlPath should be served from disk.
func (m Matcher) Match(urlPath string) bool {
	if urlPath == "/favicon.ico" {
		return true
	}
	for _, ext := range m.Extensions {
		if strings.HasSuffix(urlPath, ext) {
			return true
		}
	}
	for _, p := range m.Prefixes {
		if strings.HasPrefix(urlPath, p) {
			return true
		}
	}
	return false
}

// Handler serves files under root.
type Handler struct {
	Root string
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	f, info, err := h.open(clean)
	if err != nil {
		metrics.RecordStatic(false)
		logx.Log.Debug().Err(err).Str("path", clean).Msg("static file not found")
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()
	metrics.RecordStatic(true)
	w.Header().Set("Content-Type", ContentType(info.Name()))
	w.Header().Set("Cache-Control", CacheControl(r.URL.Path))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// open resolves clean inside Root. Symlinks may not lead outside Root.
func (h Handler) open(clean string) (*os.File, fs.FileInfo, error) {
	root, err := os.OpenRoot(h.Root)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = root.Close() }()
	name := strings.TrimPrefix(clean, "/")
	if name == "" {
		name = "."
	}
	f, err := root.Open(filepath.FromSlash(name))
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", clean)
	}
	return f, info, nil
}

// Middleware serves matching GET and HEAD requests from root and passes
// everything else to next.
func Middleware(m Matcher, root string) func(http.Handler) http.Handler {
	h := Handler{Root: root}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (r.Method == http.MethodGet || r.Method == http.MethodHead) && m.Match(r.URL.Path) {
				h.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
