package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ewsdispatch/internal/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return recorder
}

func TestInjectExtractRoundTrip(t *testing.T) {
	recordSpans(t)

	ctx, span := StartSpan(context.Background(), "test", "producer")
	defer span.End()

	headers := InjectHeaders(ctx, nil)
	require.Contains(t, headers, "traceparent")

	consumerCtx, consumerSpan := StartSpanFromHeaders(context.Background(), "test", "consumer", headers)
	defer consumerSpan.End()

	assert.Equal(t, TraceID(ctx), TraceID(consumerCtx))
	assert.NotEmpty(t, TraceID(consumerCtx))
}

func TestStartSpan_AttributesAndErrors(t *testing.T) {
	recorder := recordSpans(t)

	_, span := StartSpan(context.Background(), "dispatcher", "dispatch.process", attribute.String("event.id", "abc"))
	RecordError(span, assert.AnError, "MAIL_CLIENT_ERROR")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "dispatch.process", ended[0].Name())
	assert.Equal(t, "ewsdispatch/dispatcher", ended[0].InstrumentationScope().Name)
	assert.Contains(t, ended[0].Attributes(), attribute.String("event.id", "abc"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("error.code", "MAIL_CLIENT_ERROR"))
	assert.Len(t, ended[0].Events(), 1)
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		cfg     config.SamplerConfig
		wantErr bool
	}{
		{cfg: config.SamplerConfig{}},
		{cfg: config.SamplerConfig{Type: "always_off"}},
		{cfg: config.SamplerConfig{Type: "traceidratio", Param: 0.25}},
		{cfg: config.SamplerConfig{Type: "parentbased_traceidratio", Param: 1}},
		{cfg: config.SamplerConfig{Type: "traceidratio", Param: 1.5}, wantErr: true},
		{cfg: config.SamplerConfig{Type: "sometimes"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			sampler, err := NewSampler(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sampler)
		})
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(config.TracingConfig{}, "ews-dispatcher")
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceID_Empty(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.Equal(t, context.Background(), ExtractHeaders(context.Background(), nil))
}
