package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv(EndpointEnv, "")
	var buf bytes.Buffer

	tel, err := Init(context.Background(), "pxeprov-test", &buf, zerolog.InfoLevel)
	require.NoError(t, err)
	require.NoError(t, tel.Shutdown(context.Background()))

	tel.Logger.Info().Str("step", "preflight").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pxeprov-test", entry["service"])
	assert.Equal(t, "preflight", entry["step"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), "", nil, zerolog.InfoLevel)
	require.Error(t, err)
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("svc", &buf, zerolog.WarnLevel)
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	t.Setenv(EndpointEnv, "")
	var buf bytes.Buffer
	tel, err := Init(context.Background(), "svc", &buf, zerolog.InfoLevel)
	require.NoError(t, err)

	h := tel.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/readyz"`)
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	_, err := newTraceExporter(context.Background(), "http://")
	require.Error(t, err)
}
