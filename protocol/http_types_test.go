package protocol

import (
	"strings"
	"testing"
)

func TestResponse_DefaultHeaders(t *testing.T) {
	resp := NewResponse(StatusNotFound)

	got := string(resp.Bytes())
	want := "HTTP/1.1 404 Not Found\r\n" +
		"Content-Length: 0\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestResponse_HandlerHeadersPreserved(t *testing.T) {
	resp := NewResponse(StatusOK).
		AddHeader("Content-Type", "text/plain").
		SetBody([]byte("Hello world!"))

	got := string(resp.Bytes())
	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 12\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hello world!"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestResponse_ExplicitContentLengthKept(t *testing.T) {
	resp := NewResponse(StatusOK).
		AddHeader("content-length", "99").
		SetBody([]byte("abc"))

	got := string(resp.Bytes())
	if strings.Contains(got, "Content-Length:") {
		t.Errorf("Expected no generated Content-Length, got %q", got)
	}
	if !strings.Contains(got, "content-length: 99\r\n") {
		t.Errorf("Expected handler's content-length, got %q", got)
	}
}

func TestResponse_SerializationDoesNotMutate(t *testing.T) {
	resp := NewResponse(StatusCreated).SetBody([]byte("x"))
	first := resp.Bytes()
	second := resp.Bytes()

	if len(resp.Headers) != 0 {
		t.Errorf("Expected headers untouched, got %v", resp.Headers)
	}
	if string(first) != string(second) {
		t.Errorf("Expected identical output, got %q and %q", first, second)
	}
}

func TestResponse_SortedHeaders(t *testing.T) {
	resp := NewResponse(StatusOK).
		AddHeader("X-Zeta", "z").
		AddHeader("Accept-Ranges", "none").
		AddHeader("Location", "/")

	lines := strings.Split(string(resp.Bytes()), "\r\n")
	var keys []string
	for _, l := range lines[1:] {
		if l == "" {
			break
		}
		keys = append(keys, l[:strings.IndexByte(l, ':')])
	}

	want := []string{"Accept-Ranges", "Content-Length", "Content-Type", "Location", "X-Zeta"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Expected header order %v, got %v", want, keys)
	}
}

func TestResponse_UnknownStatus(t *testing.T) {
	resp := NewResponse(299)
	if resp.StatusLine() != "HTTP/1.1 299 Unknown Status Code" {
		t.Errorf("Unexpected status line %q", resp.StatusLine())
	}
	if KnownStatus(299) {
		t.Error("Expected 299 to be unknown")
	}
}

func TestStatusText(t *testing.T) {
	tests := map[int]string{
		200: "OK",
		201: "Created",
		204: "No Content",
		400: "Bad Request",
		404: "Not Found",
		405: "Method Not Allowed",
		413: "Payload Too Large",
		431: "Request Header Fields Too Large",
		500: "Internal Server Error",
		505: "HTTP Version Not Supported",
	}
	for code, text := range tests {
		if got := StatusText(code); got != text {
			t.Errorf("Expected %d => %q, got %q", code, text, got)
		}
	}
}

func TestParseMethod(t *testing.T) {
	for _, name := range []string{"GET", "HEAD", "POST", "PUT", "DELETE", "PATCH", "CONNECT", "OPTIONS", "TRACE"} {
		m, ok := ParseMethod(name)
		if !ok {
			t.Errorf("Expected %s to parse", name)
			continue
		}
		if m.String() != name {
			t.Errorf("Expected %s, got %s", name, m.String())
		}
	}

	for _, name := range []string{"get", "FOO", "", "GET "} {
		if _, ok := ParseMethod(name); ok {
			t.Errorf("Expected %q to be rejected", name)
		}
	}

	if Method(99).String() != "Method(99)" {
		t.Errorf("Unexpected string for invalid method: %s", Method(99).String())
	}
}
