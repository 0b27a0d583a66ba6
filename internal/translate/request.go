package translate

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/internal/envelope"
)

// EncodeRequest builds the direct-forwarding envelope for r. body is the
// already-read request body.
func EncodeRequest(r *http.Request, body []byte) envelope.HTTPRequest {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		if _, ok := headers["host"]; !ok {
			headers["host"] = r.Host
		}
	}
	uri := r.URL.RequestURI()

	var content *string
	if len(body) > 0 {
		if utf8.Valid(body) {
			s := string(body)
			content = &s
		} else {
			logx.Log.Warn().Str("uri", uri).Int("bytes", len(body)).Msg("request body is not valid UTF-8; forwarding without content")
		}
	}
	length := "0"
	if content != nil {
		length = strconv.Itoa(len(*content))
	}

	return envelope.HTTPRequest{
		Method:     r.Method,
		URI:        uri,
		Headers:    headers,
		Parameters: ParseQuery(r.URL.RawQuery),
		Content:    content,
		Server: envelope.ServerVars{
			RequestMethod: r.Method,
			RequestURI:    uri,
			ContentType:   headers["content-type"],
			ContentLength: length,
		},
	}
}

// ParseQuery splits a raw query into a flat map. Later keys win, values that
// fail percent-decoding are kept raw, and bare keys map to "".
func ParseQuery(raw string) map[string]string {
	params := map[string]string{}
	if raw == "" {
		return params
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			params[unescape(pair)] = ""
			continue
		}
		params[unescape(key)] = unescape(value)
	}
	return params
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
