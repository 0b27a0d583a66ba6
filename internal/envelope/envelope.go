// Package envelope defines the JSON messages carried inside frames.
package envelope

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Command is the named-command request form.
type Command struct {
	ID      string                     `json:"id,omitempty"`
	Command string                     `json:"command"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
}

// NewCommand returns a command with a fresh correlation id.
func NewCommand(name string, data map[string]json.RawMessage) Command {
	return Command{ID: uuid.NewString(), Command: name, Data: data}
}

// ServerVars mirrors the CGI-style variables the backend expects.
type ServerVars struct {
	RequestMethod string `json:"REQUEST_METHOD"`
	RequestURI    string `json:"REQUEST_URI"`
	ContentType   string `json:"CONTENT_TYPE"`
	ContentLength string `json:"CONTENT_LENGTH"`
}

// HTTPRequest is the direct HTTP-forwarding request form.
type HTTPRequest struct {
	Method     string            `json:"method"`
	URI        string            `json:"uri"`
	Headers    map[string]string `json:"headers"`
	Parameters map[string]string `json:"parameters"`
	Content    *string           `json:"content"`
	Server     ServerVars        `json:"server"`
}

// Response is the inbound envelope.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Opaque is set when the reply did not parse as an envelope and was taken
	// as raw success data.
	Opaque bool `json:"-"`
}

// HasData reports whether the envelope carries a non-null data value.
func (r Response) HasData() bool {
	d := bytes.TrimSpace(r.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

type wireResponse struct {
	ID      *string         `json:"id"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// ParseResponse decodes a reply payload. It never fails: a payload that is not
// a well-formed envelope is returned as opaque successful data, as the
// backend may skip the envelope for simple responses. Non-JSON payloads
// become a JSON string holding the raw text.
func ParseResponse(b []byte) Response {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err == nil && w.Success != nil {
		r := Response{Success: *w.Success, Data: w.Data}
		if w.ID != nil {
			r.ID = *w.ID
		}
		if w.Error != nil {
			r.Error = *w.Error
		}
		return r
	}
	return Response{Success: true, Data: opaque(b), Opaque: true}
}

func opaque(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s := string(b)
	if !utf8.ValidString(s) {
		s = string(bytes.ToValidUTF8(b, []byte("�")))
	}
	q, _ := json.Marshal(s)
	return q
}
