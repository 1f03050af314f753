package server

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nczempin/httpd-go-epoll/protocol"
)

const instrumentationName = "github.com/nczempin/httpd-go-epoll/server"

type telemetry struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	accepted       metric.Int64Counter
	active         metric.Int64UpDownCounter
	requests       metric.Int64Counter
	protocolErrors metric.Int64Counter
	aborted        metric.Int64Counter
	truncated      metric.Int64Counter
}

func newTelemetry(cfg *config) (*telemetry, error) {
	t := &telemetry{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		propagator: cfg.propagator,
	}
	if err := t.instruments(cfg.meterProvider.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return t, nil
}

// noopTelemetry is used when the configured meter rejects an instrument
func noopTelemetry(cfg *config) *telemetry {
	t := &telemetry{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		propagator: cfg.propagator,
	}
	_ = t.instruments(noop.NewMeterProvider().Meter(instrumentationName))
	return t
}

func (t *telemetry) instruments(meter metric.Meter) error {
	var err error
	if t.accepted, err = meter.Int64Counter("httpd.connections.accepted",
		metric.WithDescription("Connections accepted from the listening socket"),
		metric.WithUnit("{connection}")); err != nil {
		return err
	}
	if t.active, err = meter.Int64UpDownCounter("httpd.connections.active",
		metric.WithDescription("Connections currently owned by the reactor"),
		metric.WithUnit("{connection}")); err != nil {
		return err
	}
	if t.requests, err = meter.Int64Counter("httpd.requests",
		metric.WithDescription("Responses produced, by method and status code"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if t.protocolErrors, err = meter.Int64Counter("httpd.protocol_errors",
		metric.WithDescription("Requests rejected while parsing, by status code"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if t.aborted, err = meter.Int64Counter("httpd.connections.aborted",
		metric.WithDescription("Connections dropped without a response"),
		metric.WithUnit("{connection}")); err != nil {
		return err
	}
	if t.truncated, err = meter.Int64Counter("httpd.writes.truncated",
		metric.WithDescription("Responses only partially written by the single write attempt"),
		metric.WithUnit("{response}")); err != nil {
		return err
	}
	return nil
}

func (t *telemetry) connAccepted(ctx context.Context) {
	t.accepted.Add(ctx, 1)
	t.active.Add(ctx, 1)
}

func (t *telemetry) connReleased(ctx context.Context) {
	t.active.Add(ctx, -1)
}

func (t *telemetry) connAborted(ctx context.Context) {
	t.aborted.Add(ctx, 1)
}

func (t *telemetry) protocolError(ctx context.Context, status int) {
	t.protocolErrors.Add(ctx, 1, metric.WithAttributes(semconv.HTTPResponseStatusCode(status)))
}

func (t *telemetry) writeTruncated(ctx context.Context) {
	t.truncated.Add(ctx, 1)
}

// startDispatch opens the server span for one request, continuing any trace
// carried in the request headers.
func (t *telemetry) startDispatch(req *protocol.Request) (context.Context, trace.Span) {
	ctx := t.propagator.Extract(context.Background(), headerCarrier{req})
	return t.tracer.Start(ctx, req.Method().String()+" "+req.Path(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method().String()),
			semconv.URLPath(req.Path()),
		),
	)
}

func (t *telemetry) finishDispatch(ctx context.Context, span trace.Span, method protocol.Method, status int) {
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= 500 {
		span.SetStatus(codes.Error, strconv.Itoa(status))
	}
	span.End()

	t.requests.Add(ctx, 1, metric.WithAttributes(
		semconv.HTTPRequestMethodKey.String(method.String()),
		semconv.HTTPResponseStatusCode(status),
	))
}

// headerCarrier exposes request headers to a propagator. Lookups ignore
// case since propagators ask for lowercase keys.
type headerCarrier struct {
	req *protocol.Request
}

func (c headerCarrier) Get(key string) string {
	v, _ := c.req.Header(key)
	return v
}

func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.req.Headers()))
	for k := range c.req.Headers() {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
