package protocol

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

const (
	crlf          = "\r\n"
	httpVersion   = "HTTP/1.1"
	defaultCType  = "text/html"
	contentLength = "Content-Length"
	contentType   = "Content-Type"
)

// Method represents HTTP request methods
type Method int

const (
	MethodGet Method = iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodPatch
	MethodConnect
	MethodOptions
	MethodTrace
)

var methodNames = [...]string{
	MethodGet:     "GET",
	MethodHead:    "HEAD",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodPatch:   "PATCH",
	MethodConnect: "CONNECT",
	MethodOptions: "OPTIONS",
	MethodTrace:   "TRACE",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "Method(" + strconv.Itoa(int(m)) + ")"
	}
	return methodNames[m]
}

// ParseMethod maps a request-line token to a Method. Matching is exact and
// case-sensitive.
func ParseMethod(s string) (Method, bool) {
	for i, name := range methodNames {
		if name == s {
			return Method(i), true
		}
	}
	return 0, false
}

// Request is a fully read HTTP request. It is built by a Connection and is
// read-only for handlers.
type Request struct {
	ctx     context.Context
	method  Method
	path    string
	query   map[string]string
	headers map[string]string
	body    []byte
}

// Context returns the request's context, never nil
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r carrying ctx
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

func (r *Request) Method() Method {
	return r.method
}

// Path returns the request target without its query string
func (r *Request) Path() string {
	return r.path
}

// Query returns the decoded query parameters. Keys without "=" or with more
// than one "=" map to an empty value.
func (r *Request) Query() map[string]string {
	return r.query
}

// QueryValue returns the value of a query parameter and whether it was present
func (r *Request) QueryValue(key string) (string, bool) {
	v, ok := r.query[key]
	return v, ok
}

// Headers returns the header map with keys as received
func (r *Request) Headers() map[string]string {
	return r.headers
}

// Header looks a header up. An exact key match wins; otherwise the lookup
// falls back to a case-insensitive comparison.
func (r *Request) Header(key string) (string, bool) {
	if v, ok := r.headers[key]; ok {
		return v, true
	}
	for k, v := range r.headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Body returns exactly Content-Length bytes, or an empty slice
func (r *Request) Body() []byte {
	return r.body
}

// Response is produced by a handler and serialized by the Connection
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// NewResponse creates a response with an empty header map and body
func NewResponse(code int) *Response {
	return &Response{
		StatusCode: code,
		Headers:    make(map[string]string),
	}
}

// AddHeader sets a header, replacing any previous value for the same key
func (r *Response) AddHeader(key, value string) *Response {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// SetBody replaces the body
func (r *Response) SetBody(body []byte) *Response {
	r.Body = body
	return r
}

// StatusLine returns "HTTP/1.1 CODE Reason" without the trailing CRLF
func (r *Response) StatusLine() string {
	return httpVersion + " " + strconv.Itoa(r.StatusCode) + " " + StatusText(r.StatusCode)
}

// Bytes serializes the response. Content-Length and Content-Type are
// emitted only when the handler did not set them; the Response itself is
// left untouched. Header lines are written in sorted key order.
func (r *Response) Bytes() []byte {
	keys := make([]string, 0, len(r.Headers)+2)
	for k := range r.Headers {
		keys = append(keys, k)
	}

	extra := make(map[string]string, 2)
	if !r.hasHeader(contentLength) {
		extra[contentLength] = strconv.Itoa(len(r.Body))
		keys = append(keys, contentLength)
	}
	if !r.hasHeader(contentType) {
		extra[contentType] = defaultCType
		keys = append(keys, contentType)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.Grow(64 + 32*len(keys))
	sb.WriteString(r.StatusLine())
	sb.WriteString(crlf)
	for _, k := range keys {
		v, ok := r.Headers[k]
		if !ok {
			v = extra[k]
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString(crlf)
	}
	sb.WriteString(crlf)

	out := make([]byte, 0, sb.Len()+len(r.Body))
	out = append(out, sb.String()...)
	return append(out, r.Body...)
}

func (r *Response) hasHeader(key string) bool {
	for k := range r.Headers {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
