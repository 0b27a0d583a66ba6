package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	m := NewMatcher(nil, nil)
	cases := map[string]bool{
		"/favicon.ico":         true,
		"/css/app.css":         true,
		"/assets/logo":         true,
		"/build/manifest":      true,
		"/images/a.WEBP":       false,
		"/api/users":           false,
		"/":                    false,
		"/report.pdf":          true,
		"/index.html":          false,
		"/js/app.js.map":       true,
		"/assetsX/not-a-match": false,
	}
	for p, want := range cases {
		if got := m.Match(p); got != want {
			t.Fatalf("Match(%q) = %v; want %v", p, got, want)
		}
	}

	custom := NewMatcher([]string{".wasm"}, []string{"/static/"})
	if !custom.Match("/x.wasm") || !custom.Match("/static/a") || custom.Match("/a.css") {
		t.Fatalf("custom matcher wrong")
	}
}

func TestContentTypeAndCache(t *testing.T) {
	if ct := ContentType("/x/Style.CSS"); ct != "text/css" {
		t.Fatalf("css = %q", ct)
	}
	if ct := ContentType("/x/blob.bin"); ct != "application/octet-stream" {
		t.Fatalf("unknown = %q", ct)
	}
	if cc := CacheControl("/build/app"); cc != longCache {
		t.Fatalf("build = %q", cc)
	}
	if cc := CacheControl("/app.js"); cc != longCache {
		t.Fatalf("js = %q", cc)
	}
	if cc := CacheControl("/assets/page.html"); cc != shortCache {
		t.Fatalf("html = %q", cc)
	}
	if cc := CacheControl("/assets/logo"); cc != shortCache {
		t.Fatalf("undotted = %q", cc)
	}
}

func TestMiddlewareServesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "css", "app.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(t.TempDir(), "secret.txt"), []byte("no"), 0o644); err != nil {
		t.Fatal(err)
	}

	backend := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend++
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(NewMatcher(nil, nil), root)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/css/app.css", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "body{}" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/css" || rec.Header().Get("Content-Length") != "6" || rec.Header().Get("Cache-Control") != longCache {
		t.Fatalf("headers = %v", rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/../../secret.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("escape code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/css/app.css", nil))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusTeapot || rec2.Code != http.StatusTeapot || backend != 2 {
		t.Fatalf("non-static requests should reach next: %d %d %d", rec.Code, rec2.Code, backend)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/css/app.css", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("head got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandlerRejectsSymlinkOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("no"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "real.txt"), []byte("yes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "alias.txt")); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: root}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leak.txt", nil))
	if rec.Code != http.StatusNotFound || rec.Body.String() == "no" {
		t.Fatalf("escaping symlink served: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alias.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "yes" {
		t.Fatalf("in-root symlink: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandlerRangeAndConditional(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "data.txt")
	if err := os.WriteFile(file, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	mod := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(file, mod, mod); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: root}

	req := httptest.NewRequest(http.MethodGet, "/data.txt", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Fatalf("range got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}

	req = httptest.NewRequest(http.MethodGet, "/data.txt", nil)
	req.Header.Set("If-Modified-Since", mod.Add(time.Hour).Format(http.TimeFormat))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Fatalf("conditional got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("directory got %d", rec.Code)
	}
}
