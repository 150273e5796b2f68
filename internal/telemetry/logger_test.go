package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/oriys/logflow/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger(config.LoggingConfig{Level: "debug", Format: "json"}, nil)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = NewLogger(config.LoggingConfig{Level: "nonsense", Format: "text"}, nil)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestLogrusHook_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.AddHook(NewLogrusHook())

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.WithContext(ctx).Info("traced")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.Equal(t, true, fields["trace_sampled"])
}

func TestLogrusHook_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.AddHook(NewLogrusHook())

	logger.WithContext(context.Background()).Info("plain")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.NotContains(t, fields, "trace_id")
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}
