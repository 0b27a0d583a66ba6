package translate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/gaspardpetit/udsgate/core/logx"
)

// DefaultContentType applies when a response carries no content-type header.
const DefaultContentType = "text/html"

// StatusError reports a decoded status outside the valid HTTP range.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned invalid HTTP status %d", e.Status)
}

// hop-by-hop and framing headers are owned by the listener.
var skippedHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
}

// Materialized is a response ready to be written to an HTTP client.
type Materialized struct {
	Status int
	Header http.Header
	Body   []byte
}

type headerEntry struct {
	name  string
	value string
}

// effectiveHeaders returns one entry per canonical header name, in sorted
// name order. Names that differ only by case resolve to the all lower-case
// spelling when present, else to the first name in sorted order. Blank values
// are ignored.
func (res Response) effectiveHeaders() []headerEntry {
	names := make([]string, 0, len(res.Headers))
	for name := range res.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[string]int, len(names))
	out := make([]headerEntry, 0, len(names))
	for _, name := range names {
		v := strings.TrimSpace(res.Headers[name])
		if v == "" {
			continue
		}
		key := http.CanonicalHeaderKey(name)
		if i, ok := seen[key]; ok {
			if name == strings.ToLower(name) && out[i].name != strings.ToLower(out[i].name) {
				out[i] = headerEntry{name: name, value: v}
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, headerEntry{name: name, value: v})
	}
	return out
}

// ContentType returns the media type of res, lower-cased and without
// parameters.
func (res Response) ContentType() string {
	for _, e := range res.effectiveHeaders() {
		if strings.EqualFold(e.name, "content-type") {
			return mediaType(e.value)
		}
	}
	return ""
}

func mediaType(v string) string {
	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Materialize validates res and converts its body according to the
// content type. Informational statuses other than 101 are rejected.
func Materialize(res Response) (Materialized, error) {
	if res.Status < 100 || res.Status > 599 || (res.Status < 200 && res.Status != http.StatusSwitchingProtocols) {
		return Materialized{}, &StatusError{Status: res.Status}
	}
	h := make(http.Header, len(res.Headers))
	for _, e := range res.effectiveHeaders() {
		if _, skip := skippedHeaders[strings.ToLower(e.name)]; skip {
			continue
		}
		if !httpguts.ValidHeaderFieldName(e.name) || !httpguts.ValidHeaderFieldValue(e.value) {
			logx.Log.Warn().Str("header", e.name).Msg("dropping invalid response header")
			continue
		}
		h.Set(e.name, e.value)
	}
	ct := mediaType(h.Get("Content-Type"))
	if ct == "" {
		h.Set("Content-Type", DefaultContentType)
	}
	return Materialized{Status: res.Status, Header: h, Body: Body(ct, res.Body)}, nil
}

// Body converts a textual body into the bytes sent for media type ct.
func Body(ct, body string) []byte {
	switch {
	case strings.Contains(ct, "application/json"):
		v, err := parse([]byte(body))
		if err != nil {
			return []byte(body)
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return []byte(body)
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	case strings.Contains(ct, "text/"), strings.Contains(ct, "application/javascript"):
		return []byte(body)
	case isBinary(ct):
		if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
			return decoded
		}
		return []byte(body)
	default:
		return []byte(body)
	}
}

func isBinary(ct string) bool {
	for _, marker := range []string{"application/octet-stream", "image/", "audio/", "video/"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// Write materializes res onto w. An invalid status is reported as a 500.
func Write(w http.ResponseWriter, res Response) error {
	m, err := Materialize(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	dst := w.Header()
	for name, values := range m.Header {
		dst[name] = values
	}
	dst.Set("Content-Length", strconv.Itoa(len(m.Body)))
	w.WriteHeader(m.Status)
	_, err = w.Write(m.Body)
	return err
}
