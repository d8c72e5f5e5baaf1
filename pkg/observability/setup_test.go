package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggerLevel(t *testing.T) {
	logger := SetupLogger("test", "debug")
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = SetupLogger("test", "not-a-level")
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestSetupTracer(t *testing.T) {
	shutdown, err := SetupTracer(context.Background(), "test", io.Discard)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsRouter(t *testing.T) {
	router := MetricsRouter()
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
