package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func TestStoreSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartStoreSpan(context.Background(), "record_connect")
	EndSpan(span, errors.New("connection refused"))
	_, span = StartStoreSpan(context.Background(), "members")
	EndSpan(span, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "redis record_connect", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestServerSpanContinuesRemoteTrace(t *testing.T) {
	rec := recordSpans(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	msg := &nats.Msg{
		Subject: "proxy.proxy-a.prelogin",
		Data:    []byte(`{"player":"alice"}`),
		Header:  nats.Header{},
	}
	msg.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	_, span := StartServerSpan(context.Background(), msg, "presence prelogin")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext().TraceID().String())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestExtractContextWithoutHeader(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractContext(ctx, nil))
}
