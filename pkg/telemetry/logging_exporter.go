package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// loggingExporter writes finished spans as zerolog events. It backs the
// tracing.log_spans switch for deployments without a collector.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger.With().Str("component", "otel").Logger()}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		event := l.logger.Debug()
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		event = event.Str("span", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime())).
			Str("status", span.Status().Code.String())

		attrs := span.Attributes()
		if len(attrs) > 0 {
			fields := make(map[string]any, len(attrs))
			for _, attr := range attrs {
				fields[string(attr.Key)] = attr.Value.Emit()
			}
			event = event.Fields(fields)
		}
		for _, ev := range span.Events() {
			event = event.Str("event."+ev.Name, ev.Time.UTC().Format("15:04:05.000"))
		}
		event.Msg("span finished")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error   { return nil }
func (l *loggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
