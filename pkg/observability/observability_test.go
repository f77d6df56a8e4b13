package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestProviders routes global telemetry to in-memory readers.
func installTestProviders(t *testing.T) (*sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	prevM, prevT := otel.GetMeterProvider(), otel.GetTracerProvider()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() {
		otel.SetMeterProvider(prevM)
		otel.SetTracerProvider(prevT)
	})
	return reader, spans
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "opsgate", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.False(t, config.Insecure)
}

func TestNew_DisabledUsesGlobalProviders(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	reader, spans := installTestProviders(t)
	p, err := New(context.Background(), &Config{ServiceVersion: "test"})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "approval.vote", ActionAttrs("a-1", "")...)
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), "approval.execute", ActionAttrs("a-1", "freeze_merchant")...)
	finish(errors.New("handler timed out"))

	assert.Equal(t, int64(2), sumOf(t, reader, "opsgate.operations.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "opsgate.errors.total"))
	assert.Equal(t, int64(0), sumOf(t, reader, "opsgate.operations.active"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "approval.vote", ended[0].Name())
	assert.Equal(t, "approval.execute", ended[1].Name())
	require.Len(t, ended[1].Events(), 1, "error recorded on span")
}

func TestTrackOperation_NilProvider(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "noop")
	require.NotNil(t, ctx)
	finish(errors.New("ignored"))
}

func TestHTTPMiddleware(t *testing.T) {
	reader, spans := installTestProviders(t)
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	h := p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/health", "/boom"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, int64(2), sumOf(t, reader, "opsgate.operations.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "opsgate.errors.total"))
	require.Len(t, spans.Ended(), 2)
	assert.Equal(t, "http GET", spans.Ended()[0].Name())
}
