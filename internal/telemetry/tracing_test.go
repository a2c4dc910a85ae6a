package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	saveAndRestoreGlobalProviders(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := installRecorder(t)

	_, span := StartSpan(context.Background(), "orchestrator", "iteration", ExecutionAttrs("exec-1", "tenant-1")...)
	EndSpan(span, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "iteration", spans[0].Name())
	assert.Equal(t, InstrumentationName+"/orchestrator", spans[0].InstrumentationScope().Name)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "exec-1", attrs["agentcore.execution_id"])
	assert.Equal(t, "tenant-1", attrs["agentcore.tenant_id"])
}

func TestEndSpan_Error(t *testing.T) {
	rec := installRecorder(t)

	_, span := StartSpan(context.Background(), "archive", "archive")
	EndSpan(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.NotEmpty(t, spans[0].Events())
}

func TestInstruments_NilSafe(t *testing.T) {
	var i *Instruments
	assert.NotPanics(t, func() { i.RecordIteration(context.Background(), "observe", 10) })

	inst, err := NewInstruments()
	require.NoError(t, err)
	assert.NotPanics(t, func() { inst.RecordIteration(context.Background(), "act", 0) })
}
