package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestGetTraceIDNoActiveSpan(t *testing.T) {
	require.Equal(t, "", GetTraceID(context.Background()))
}

func TestGetSpanIDNoActiveSpan(t *testing.T) {
	require.Equal(t, "", GetSpanID(context.Background()))
}

func TestGetTraceIDAndSpanIDFromValidSpanContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	require.Equal(t, traceID.String(), GetTraceID(ctx))
	require.Equal(t, spanID.String(), GetSpanID(ctx))
}

func TestNewTracerNoEndpointUsesNoopProvider(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-tracer"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "tool.dispatch", trace.SpanKindInternal)
	defer span.End()

	require.NotNil(t, span)
	require.NoError(t, shutdown(ctx))
}

func TestRecordErrorNilIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-tracer"})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "tool.dispatch", trace.SpanKindInternal)
	defer span.End()

	require.NotPanics(t, func() { RecordError(span, nil) })
}

func TestRecordErrorSetsSpanStatusAndEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := &Tracer{tracer: provider.Tracer("test-tracer")}

	_, span := tracer.Start(context.Background(), "tool.dispatch", trace.SpanKindInternal)
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Equal(t, "boom", ended[0].Status().Description)
}
