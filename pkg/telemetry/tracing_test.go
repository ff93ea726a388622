package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, TracingOptions{ServiceName: "bouncer", ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupTracingRejectsBareScheme(t *testing.T) {
	_, err := SetupTracing(context.Background(), TracingOptions{ServiceName: "bouncer", Endpoint: "https://"})
	require.Error(t, err)
}

func TestTracerFeedsRecorder(t *testing.T) {
	ctx := context.Background()
	recorder := NewSpanRecorder()
	provider, err := SetupTracing(ctx, TracingOptions{
		ServiceName: "bouncer",
		Processors:  []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	defer provider.Shutdown(ctx)

	_, span := Tracer().Start(ctx, "gate")
	span.End()

	require.NotNil(t, recorder.FirstSpanNamed("gate"))
	require.Len(t, recorder.Completed(), 1)
}
