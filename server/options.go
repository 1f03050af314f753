package server

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nczempin/httpd-go-epoll/protocol"
	"github.com/nczempin/httpd-go-epoll/transport"
)

const (
	defaultBacklog    = 1024
	defaultEventBatch = 128
)

type config struct {
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator

	readBufferSize int
	maxBodyBytes   int
	backlog        int
	eventBatch     int
	network        string
	engine         transport.EngineKind
}

func defaultConfig() config {
	return config{
		logger:         slog.Default(),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
		propagator:     propagation.TraceContext{},
		readBufferSize: protocol.DefaultReadBufferSize,
		maxBodyBytes:   protocol.DefaultMaxBodyBytes,
		backlog:        defaultBacklog,
		eventBatch:     defaultEventBatch,
		network:        "tcp",
		engine:         transport.EngineSyscall,
	}
}

// Option configures a Server
type Option func(*config)

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMeterProvider sets the provider the server's counters are created from.
// The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the provider of the per-request dispatch span
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// WithPropagator sets how trace context is extracted from request headers.
// W3C trace context is used by default.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *config) {
		if p != nil {
			c.propagator = p
		}
	}
}

// WithReadBufferSize bounds the length of a single request head line
func WithReadBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// WithMaxBodyBytes bounds the accepted Content-Length. Larger requests are
// answered with 413.
func WithMaxBodyBytes(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithBacklog sets the listen(2) backlog
func WithBacklog(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.backlog = n
		}
	}
}

// WithEventBatch sets the maximum number of readiness events handled per
// poll
func WithEventBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.eventBatch = n
		}
	}
}

// WithNetwork selects "tcp" (default) or "unix". For "unix" the server
// address is the socket path and the port is ignored.
func WithNetwork(network string) Option {
	return func(c *config) {
		c.network = network
	}
}

// WithIOEngine selects how socket reads and writes are performed
func WithIOEngine(kind transport.EngineKind) Option {
	return func(c *config) {
		c.engine = kind
	}
}
