// Package translate maps HTTP requests to backend envelopes and arbitrary
// backend replies to well-formed HTTP responses.
package translate

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Response is the canonical (status, headers, body) triple.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Shape identifies which detection rule matched a backend value.
type Shape int

const (
	ShapeTriple           Shape = iota + 1 // object with body, headers and status
	ShapeStatus                            // object with status only
	ShapeOriginalContent                   // object with originalContent
	ShapeString                            // JSON string
	ShapeScalar                            // JSON number or boolean
	ShapeOther                             // anything else, including null and arrays
)

func (s Shape) String() string {
	switch s {
	case ShapeTriple:
		return "triple"
	case ShapeStatus:
		return "status"
	case ShapeOriginalContent:
		return "original_content"
	case ShapeString:
		return "string"
	case ShapeScalar:
		return "scalar"
	default:
		return "other"
	}
}

// Classify returns the first matching shape for v, in rule order.
func Classify(v any) Shape {
	switch t := v.(type) {
	case map[string]any:
		_, hasBody := t["body"]
		_, hasHeaders := t["headers"]
		_, hasStatus := t["status"]
		switch {
		case hasBody && hasHeaders && hasStatus:
			return ShapeTriple
		case hasStatus:
			return ShapeStatus
		}
		if _, ok := t["originalContent"]; ok {
			return ShapeOriginalContent
		}
		return ShapeOther
	case string:
		return ShapeString
	case json.Number, float64, bool:
		return ShapeScalar
	default:
		return ShapeOther
	}
}

// Decode interprets an arbitrary JSON value as a canonical response. It never
// fails: unrecognised shapes degrade to a 200 with the value as JSON text.
func Decode(data json.RawMessage) Response {
	v, err := parse(data)
	if err != nil {
		return Response{Status: 200, Headers: map[string]string{}, Body: string(data)}
	}
	return DecodeValue(v)
}

// DecodeValue is Decode for an already-parsed value (numbers as json.Number).
func DecodeValue(v any) Response {
	switch Classify(v) {
	case ShapeTriple:
		obj := v.(map[string]any)
		return Response{
			Status:  statusOf(obj["status"]),
			Headers: headersOf(obj["headers"]),
			Body:    stringify(obj["body"]),
		}
	case ShapeStatus:
		obj := v.(map[string]any)
		var body string
		if b, ok := obj["body"]; ok {
			body = stringify(b)
		} else {
			rest := make(map[string]any, len(obj))
			for k, val := range obj {
				if k == "status" || k == "headers" {
					continue
				}
				rest[k] = val
			}
			body = marshalText(rest)
		}
		return Response{Status: statusOf(obj["status"]), Headers: headersOf(obj["headers"]), Body: body}
	case ShapeOriginalContent:
		return Response{Status: 200, Headers: map[string]string{}, Body: marshalText(v.(map[string]any)["originalContent"])}
	case ShapeString:
		return Response{Status: 200, Headers: map[string]string{}, Body: v.(string)}
	case ShapeScalar:
		return Response{Status: 200, Headers: map[string]string{}, Body: stringify(v)}
	default:
		return Response{Status: 200, Headers: map[string]string{}, Body: marshalText(v)}
	}
}

// statusOf reads a non-negative integer status; anything else defaults to 200.
// Range validation happens when the response is materialized.
func statusOf(v any) int {
	n, ok := v.(json.Number)
	if !ok {
		return 200
	}
	i, err := n.Int64()
	if err != nil || i < 0 || i > 1<<31-1 {
		return 200
	}
	return int(i)
}

// headersOf flattens a header object. Array values contribute their first
// element, empty arrays an empty string, scalars their textual form.
func headersOf(v any) map[string]string {
	out := map[string]string{}
	obj, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for name, val := range obj {
		if arr, ok := val.([]any); ok {
			if len(arr) == 0 {
				out[name] = ""
			} else {
				out[name] = stringify(arr[0])
			}
			continue
		}
		out[name] = stringify(val)
	}
	return out
}

// stringify returns strings as-is and everything else as JSON text.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return marshalText(v)
}

func marshalText(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func parse(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
