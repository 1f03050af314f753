package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/nczempin/httpd-go-epoll/protocol"
)

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// eventually polls until the counter reaches want
func eventually(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := counterTotal(t, reader, name)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %s=%d, got %d", name, want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTelemetry_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	srv, addr, cleanup := setupTestServer(t, WithMeterProvider(mp))
	defer cleanup()
	srv.AddListener("/hello", protocol.MethodGet, helloHandler)

	exchange(t, "tcp", addr, "GET /hello HTTP/1.1\r\n\r\n")
	exchange(t, "tcp", addr, "GET /missing HTTP/1.1\r\n\r\n")
	exchange(t, "tcp", addr, "GET / HTTP/1.0\r\n\r\n")

	eventually(t, reader, "httpd.connections.accepted", 3)
	eventually(t, reader, "httpd.requests", 2)
	eventually(t, reader, "httpd.protocol_errors", 1)
	eventually(t, reader, "httpd.connections.active", 0)
}

func TestTelemetry_AbortedConnection(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	_, addr, cleanup := setupTestServer(t, WithMeterProvider(mp))
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Write([]byte("GET /partial HTTP/1.1\r\n"))
	eventually(t, reader, "httpd.connections.active", 1)
	conn.Close()

	eventually(t, reader, "httpd.connections.aborted", 1)
	eventually(t, reader, "httpd.connections.active", 0)
}

func TestTelemetry_SpanContinuesClientTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	srv, addr, cleanup := setupTestServer(t, WithTracerProvider(tp))
	defer cleanup()
	srv.AddListener("/traced", protocol.MethodGet, helloHandler)

	client := &http.Client{
		Transport: otelhttp.NewTransport(
			&http.Transport{DisableKeepAlives: true},
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithPropagators(propagation.TraceContext{}),
		),
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://" + addr + "/traced?x=1")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "Hello world!" {
		t.Errorf("Expected %q, got %q", "Hello world!", body)
	}

	var serverSpan, clientSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		switch s.SpanKind() {
		case trace.SpanKindServer:
			serverSpan = s
		case trace.SpanKindClient:
			clientSpan = s
		}
	}
	if serverSpan == nil || clientSpan == nil {
		t.Fatalf("Expected a client and a server span, got %d spans", len(recorder.Ended()))
	}

	if serverSpan.Name() != "GET /traced" {
		t.Errorf("Expected span name %q, got %q", "GET /traced", serverSpan.Name())
	}
	if serverSpan.SpanContext().TraceID() != clientSpan.SpanContext().TraceID() {
		t.Error("Expected the server span to join the client's trace")
	}
	if serverSpan.Parent().SpanID() != clientSpan.SpanContext().SpanID() {
		t.Error("Expected the server span to be a child of the client span")
	}
}

func TestTelemetry_HandlerSeesSpanContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	srv, addr, cleanup := setupTestServer(t, WithTracerProvider(tp))
	defer cleanup()

	seen := make(chan trace.SpanContext, 1)
	srv.AddListener("/ctx", protocol.MethodGet, func(req *protocol.Request) *protocol.Response {
		seen <- trace.SpanContextFromContext(req.Context())
		return protocol.NewResponse(protocol.StatusNoContent)
	})

	exchange(t, "tcp", addr, "GET /ctx HTTP/1.1\r\n"+
		"traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01\r\n\r\n")

	sc := <-seen
	if !sc.IsValid() {
		t.Fatal("Expected a valid span context in the handler")
	}
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected trace id from traceparent, got %s", sc.TraceID())
	}
}

func TestHeaderCarrier(t *testing.T) {
	conn := protocol.NewConnection(&stubSocket{data: "GET / HTTP/1.1\r\nTraceParent: abc\r\nX-A: 1\r\n\r\n"}, 0, 0)
	if err := conn.ReadStep(); err != nil {
		t.Fatalf("ReadStep failed: %v", err)
	}

	c := headerCarrier{conn.Request()}
	if got := c.Get("traceparent"); got != "abc" {
		t.Errorf("Expected case-insensitive lookup to return abc, got %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Expected empty value, got %q", got)
	}
	if len(c.Keys()) != 2 {
		t.Errorf("Expected 2 keys, got %v", c.Keys())
	}
}

// stubSocket serves data once, then reports nothing available
type stubSocket struct {
	data string
}

func (s *stubSocket) Fd() int { return -1 }

func (s *stubSocket) Read(buf []byte) (int, error) {
	n := copy(buf, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *stubSocket) Write(buf []byte) (int, error) { return len(buf), nil }

func (s *stubSocket) Close() error { return nil }
