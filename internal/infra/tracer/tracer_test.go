package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobridge/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaegerish"})
	require.Error(t, err)
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestStartSpanIsUsableWhenDisabled(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "test.op")
	require.NotNil(t, span)
	span.SetAttributes(StringAttr("k", "v"))
	SetOK(span)
	span.End()

	// A noop provider records no trace ID.
	assert.Empty(t, TraceID(ctx))
}
