package envelope

import (
	"encoding/json"
	"testing"
)

func TestParseResponseEnvelope(t *testing.T) {
	r := ParseResponse([]byte(`{"id":"7","success":true,"data":{"status":200}}`))
	if r.Opaque || !r.Success || r.ID != "7" {
		t.Fatalf("unexpected %+v", r)
	}
	if string(r.Data) != `{"status":200}` {
		t.Fatalf("data = %s", r.Data)
	}

	r = ParseResponse([]byte(`{"success":false,"error":"boom"}`))
	if r.Success || r.Error != "boom" || r.HasData() {
		t.Fatalf("unexpected %+v", r)
	}
}

func TestParseResponseFallbacks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		data string
	}{
		{"no success field", `{"status":404,"body":"x"}`, `{"status":404,"body":"x"}`},
		{"wrong success type", `{"success":"yes"}`, `{"success":"yes"}`},
		{"bare string", `"hello"`, `"hello"`},
		{"array", `[1,2]`, `[1,2]`},
		{"not json", `plain text`, `"plain text"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseResponse([]byte(tt.in))
			if !r.Opaque || !r.Success {
				t.Fatalf("expected opaque success, got %+v", r)
			}
			if string(r.Data) != tt.data {
				t.Fatalf("data = %s; want %s", r.Data, tt.data)
			}
		})
	}
}

func TestHasData(t *testing.T) {
	if (Response{Data: json.RawMessage("null")}).HasData() {
		t.Fatalf("null data reported present")
	}
	if (Response{}).HasData() {
		t.Fatalf("empty data reported present")
	}
	if !(Response{Data: json.RawMessage(`0`)}).HasData() {
		t.Fatalf("zero data reported absent")
	}
}

func TestHTTPRequestWireShape(t *testing.T) {
	body := "a=1"
	req := HTTPRequest{
		Method:     "POST",
		URI:        "/x?y=1",
		Headers:    map[string]string{"content-type": "text/plain"},
		Parameters: map[string]string{"y": "1"},
		Content:    &body,
		Server:     ServerVars{RequestMethod: "POST", RequestURI: "/x?y=1", ContentType: "text/plain", ContentLength: "3"},
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"method", "uri", "headers", "parameters", "content", "server"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}
	srv := m["server"].(map[string]any)
	if srv["CONTENT_LENGTH"] != "3" || srv["REQUEST_METHOD"] != "POST" {
		t.Fatalf("server vars = %v", srv)
	}

	req.Content = nil
	b, _ = json.Marshal(req)
	_ = json.Unmarshal(b, &m)
	if v, ok := m["content"]; !ok || v != nil {
		t.Fatalf("empty content should be null, got %v", v)
	}
}

func TestNewCommandHasID(t *testing.T) {
	c := NewCommand("stats", nil)
	if c.ID == "" || c.Command != "stats" {
		t.Fatalf("command = %+v", c)
	}
	b, _ := json.Marshal(c)
	if string(b) != `{"id":"`+c.ID+`","command":"stats"}` {
		t.Fatalf("wire = %s", b)
	}
}
