package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans in memory so tests can assert on them.
type SpanRecorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error   { return nil }
func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

func (r *SpanRecorder) Completed() []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sdktrace.ReadOnlySpan, len(r.spans))
	copy(out, r.spans)
	return out
}

func (r *SpanRecorder) FirstSpanNamed(name string) sdktrace.ReadOnlySpan {
	for _, span := range r.Completed() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// EventNames lists the events recorded on every span called name, in order.
func (r *SpanRecorder) EventNames(name string) []string {
	var out []string
	for _, span := range r.Completed() {
		if span.Name() != name {
			continue
		}
		for _, ev := range span.Events() {
			out = append(out, ev.Name)
		}
	}
	return out
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
