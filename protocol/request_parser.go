package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// parseHead builds a Request from the accumulated head lines and returns the
// declared body length. The first line is the request line; every other
// line is a "Key: Value" header.
func parseHead(lines []string, maxBody int) (*Request, int, error) {
	if len(lines) == 0 {
		return nil, 0, errors.NewProtocolError(
			errors.ProtocolErrorInvalidRequestLine,
			"empty request head",
		)
	}

	parts := splitDropTrailing(lines[0], isSpace)
	if len(parts) != 3 {
		return nil, 0, errors.NewProtocolError(
			errors.ProtocolErrorInvalidRequestLine,
			fmt.Sprintf("malformed request line %q", lines[0]),
		)
	}

	method, ok := ParseMethod(parts[0])
	if !ok {
		return nil, 0, errors.NewProtocolError(
			errors.ProtocolErrorInvalidMethod,
			fmt.Sprintf("unknown method %q", parts[0]),
		)
	}

	if parts[2] != httpVersion {
		return nil, 0, errors.NewProtocolError(
			errors.ProtocolErrorUnsupportedVersion,
			fmt.Sprintf("unsupported version %q", parts[2]),
		)
	}

	req := &Request{
		method:  method,
		query:   make(map[string]string),
		headers: make(map[string]string),
		body:    []byte{},
	}
	req.path = parseTarget(parts[1], req.query)

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, 0, errors.NewProtocolError(
				errors.ProtocolErrorInvalidHeader,
				fmt.Sprintf("header line without colon %q", line),
			)
		}
		key := strings.TrimSpace(line[:idx])
		req.headers[key] = strings.TrimSpace(line[idx+1:])
	}

	length, err := parseContentLength(req, maxBody)
	if err != nil {
		return nil, 0, err
	}
	return req, length, nil
}

// parseTarget splits the target at the first '?' and fills query. Trailing
// empty parameters are dropped; leading and inner ones map "" to "". A
// parameter maps to a value only when it splits into exactly two parts on
// '='; otherwise its first part maps to "".
func parseTarget(target string, query map[string]string) string {
	path, raw, found := strings.Cut(target, "?")
	if !found {
		return target
	}

	for _, param := range splitDropTrailing(raw, func(c byte) bool { return c == '&' }) {
		kv := splitDropTrailing(param, func(c byte) bool { return c == '=' })
		if len(kv) == 0 {
			// "=" or "==": nothing but separators
			query[""] = ""
			continue
		}
		value := ""
		if len(kv) == 2 {
			value = kv[1]
		}
		query[kv[0]] = value
	}
	return path
}

func parseContentLength(req *Request, maxBody int) (int, error) {
	raw, ok := req.Header(contentLength)
	if !ok {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewProtocolError(
			errors.ProtocolErrorInvalidContentLength,
			fmt.Sprintf("invalid Content-Length %q", raw),
		)
	}
	if maxBody > 0 && n > maxBody {
		return 0, errors.NewProtocolError(
			errors.ProtocolErrorBodyTooLarge,
			fmt.Sprintf("Content-Length %d exceeds limit %d", n, maxBody),
		)
	}
	return n, nil
}

// splitDropTrailing splits s at every separator byte without merging
// adjacent separators, then drops trailing empty fields. "GET  / HTTP/1.1"
// therefore yields four fields while "a=b=" yields two. A string without
// any separator, the empty string included, is returned as its only field.
func splitDropTrailing(s string, sep func(byte) bool) []string {
	var fields []string
	start := 0
	for i := 0; i < len(s); i++ {
		if sep(s[i]) {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	if fields == nil {
		return []string{s}
	}
	fields = append(fields, s[start:])

	end := len(fields)
	for end > 0 && fields[end-1] == "" {
		end--
	}
	return fields[:end]
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
