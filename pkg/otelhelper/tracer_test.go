package otelhelper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/nexus/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanHelpers(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	_, ok := otelhelper.StartSpan(context.Background(), tracer, "workflow.run",
		attribute.String(otelhelper.WorkflowNameKey, "scan"),
	)
	otelhelper.SetOK(ok)
	ok.End()

	_, failed := otelhelper.StartSpan(context.Background(), tracer, "snapshot.request")
	otelhelper.SetError(failed, errors.New("disk full"), attribute.String(otelhelper.SnapshotIDKey, "s1"))
	failed.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "workflow.run", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(otelhelper.WorkflowNameKey, "scan"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "disk full", spans[1].Status().Description)

	var names []string
	for _, event := range spans[1].Events() {
		names = append(names, event.Name)
	}

	assert.Contains(t, names, "exception")
	assert.Contains(t, names, "error_occurred")
}

func TestTracer_DefaultsToNoop(t *testing.T) {
	t.Parallel()

	_, span := otelhelper.StartSpan(context.Background(), otelhelper.Tracer("nexus/test"), "noop")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
}
