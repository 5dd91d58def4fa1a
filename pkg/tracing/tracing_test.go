package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "tabcastd", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()

	helpers := map[string]func() (context.Context, trace.Span){
		"dispatch": func() (context.Context, trace.Span) { return TraceDispatch(ctx, "startSession") },
		"bridge":   func() (context.Context, trace.Span) { return TraceBridgeCall(ctx, "getStatus") },
		"discover": func() (context.Context, trace.Span) { return TraceDiscovery(ctx, true) },
		"recovery": func() (context.Context, trace.Span) { return TraceRecovery(ctx) },
		"store":    func() (context.Context, trace.Span) { return TraceStoreOperation(ctx, "save", "sessions") },
		"http":     func() (context.Context, trace.Span) { return TraceHTTPRequest(ctx, "GET", "/health") },
	}

	for name, start := range helpers {
		t.Run(name, func(t *testing.T) {
			spanCtx, span := start()
			require.NotNil(t, span)
			assert.NotNil(t, spanCtx)
			span.End()
		})
	}
}

func TestAttributesAndErrorsOnNoopSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, SourceIDKey.Int(42), attribute.String("test.key", "v"))
		RecordError(ctx, errors.New("boom"))
		RecordError(ctx, nil)
	})
}

func TestShutdown_NilProvider(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
