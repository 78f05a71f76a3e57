package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// ZeroLogger wraps github.com/rs/zerolog for runtime logging.
	ZeroLogger struct {
		log zerolog.Logger
	}

	// OTELMetrics wraps OTEL metrics for runtime instrumentation.
	OTELMetrics struct {
		meter metric.Meter
	}

	// OTELTracer wraps OTEL tracing for runtime tracing.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewZeroLogger constructs a Logger backed by the given zerolog.Logger.
func NewZeroLogger(log zerolog.Logger) Logger {
	return ZeroLogger{log: log}
}

// NewOTELMetrics constructs a Metrics recorder using the global OTEL
// MeterProvider under the given instrumentation scope name.
func NewOTELMetrics(scope string) Metrics {
	return &OTELMetrics{meter: otel.Meter(scope)}
}

// NewOTELTracer constructs a Tracer using the global OTEL TracerProvider
// under the given instrumentation scope name.
func NewOTELTracer(scope string) Tracer {
	return &OTELTracer{tracer: otel.Tracer(scope)}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (l ZeroLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.log.Debug().Fields(kvToMap(keyvals)).Msg(msg)
}

// Info emits an info-level log message with structured key-value pairs.
func (l ZeroLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.log.Info().Fields(kvToMap(keyvals)).Msg(msg)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (l ZeroLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.log.Warn().Fields(kvToMap(keyvals)).Msg(msg)
}

// Error emits an error-level log message with structured key-value pairs.
func (l ZeroLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.log.Error().Fields(kvToMap(keyvals)).Msg(msg)
}

func kvToMap(keyvals []any) map[string]any {
	m := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		m[k] = keyvals[i+1]
	}
	return m
}

// IncCounter increments a counter metric by the given value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge metric value. OTEL has no synchronous gauge
// instrument, so this falls back to a histogram suffixed "_gauge".
func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span with the given name, returning a derived context
// and the span handle.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *OTELTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
