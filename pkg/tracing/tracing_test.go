package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansAreRecorded(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := NewProvider(tp, "ec14")

	_, span := p.StartSpan(context.Background(), "poll", attribute.Int("ec14.poll", 3))
	End(span, nil)
	_, span = p.StartSpan(context.Background(), "resubmit")
	End(span, errors.New("qsub failed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "poll", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, "resubmit", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "qsub failed", spans[1].Status.Description)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDisabledProvider(t *testing.T) {
	p, err := InitTracer(Config{Experiment: "alpha", Run: 1})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "bootstrap")
	assert.NotNil(t, ctx)
	End(span, nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx := context.Background()

	got, span := p.StartSpan(ctx, "poll")
	assert.Equal(t, ctx, got)
	End(span, errors.New("ignored"))
	assert.NoError(t, p.Shutdown(ctx))
}
