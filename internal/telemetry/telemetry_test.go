package telemetry_test

import (
	"context"
	"testing"

	"github.com/jrsteele09/go-ksef-monitor/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderShutsDownCleanly(t *testing.T) {
	p, err := telemetry.Setup(context.Background(), telemetry.Config{Enabled: false, Endpoint: "collector:4317"})
	require.NoError(t, err)
	require.NotNil(t, p.TracerProvider)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansReachRegisteredProcessor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := telemetry.Setup(context.Background(), telemetry.Config{ServiceName: "ksef-monitor-test"},
		telemetry.WithSpanProcessor(recorder),
		telemetry.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)

	previous := otel.GetTracerProvider()
	p.SetGlobal()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	_, span := otel.Tracer("test").Start(context.Background(), "Engine RunCycle")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "Engine RunCycle", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "ksef-monitor-test", service)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"http://", "http://[invalid"} {
		_, err := telemetry.Setup(context.Background(), telemetry.Config{Enabled: true, Endpoint: endpoint})
		require.Error(t, err, endpoint)
	}
}
