package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	var buf bytes.Buffer

	shutdown := InitTracer("buildmaster-test", &buf)

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "\"Name\":\"dispatch\"")
	assert.Contains(t, buf.String(), "buildmaster-test")
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown := InitTracer("buildmaster-test", nil)
	assert.NoError(t, shutdown(context.Background()))
}
