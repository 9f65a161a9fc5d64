package otel

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), "test", Config{})
	require.NoError(t, err)

	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestSetupPrometheus(t *testing.T) {
	ctx := context.Background()
	tel, err := Setup(ctx, "test", Config{Prometheus: true})
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	counter, err := otel.Meter("test").Int64Counter("test.requests")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	h := tel.MetricsHandler()
	require.NotNil(t, h)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "test_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
