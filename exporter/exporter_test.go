package exporter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomhq/digest/reporting"
)

func TestExporterHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := reporting.NewCollector(reporting.WithLogger(logr.Discard()))
	require.NoError(t, err)
	d, err := reporting.NewDistribution()
	require.NoError(t, err)
	require.NoError(t, d.Add(42))
	require.NoError(t, collector.RegisterDistribution("payload_bytes", d))
	require.NoError(t, registry.Register(collector))

	e, err := New(
		WithRegistry(registry),
		WithTelemetryPath("/telemetry"),
		WithLogger(logr.Discard()),
	)
	require.NoError(t, err)

	server := httptest.NewServer(e.Handler())
	defer server.Close()

	res, err := http.Get(server.URL + "/telemetry")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `payload_bytes{quantile="0.5"} 42`)
	assert.Contains(t, string(body), "payload_bytes_count 1")

	res, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestExporterRunStopsWithContext(t *testing.T) {
	e, err := New(WithBindAddress("127.0.0.1:0"), WithLogger(logr.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = e.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoError(t, e.Close())
}

func TestExporterCloseWithoutRun(t *testing.T) {
	e, err := New(WithLogger(logr.Discard()))
	require.NoError(t, err)
	assert.NoError(t, e.Close())
}

func TestExporterRunInvalidAddress(t *testing.T) {
	e, err := New(WithBindAddress("not-an-address"), WithLogger(logr.Discard()))
	require.NoError(t, err)
	assert.Error(t, e.Run(context.Background()))
}
