package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
)

type fixedClusters int

func (f fixedClusters) Len() int { return int(f) }

func TestHandlerReturnsStatusOK(t *testing.T) {
	handler := Handler("ec2", fixedClusters(0))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	handler := Handler("ec2", fixedClusters(2))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ec2-elastic-agent", resp.ServiceName)
	assert.Equal(t, buildinfo.PluginID, resp.PluginID)
	assert.Equal(t, "ec2", resp.Engine)
	assert.Equal(t, 2, resp.Clusters)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerWithDifferentEngines(t *testing.T) {
	engines := []string{"ec2", "memory"}

	for _, eng := range engines {
		t.Run(eng, func(t *testing.T) {
			handler := Handler(eng, nil)
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			var resp Response
			err := json.Unmarshal(w.Body.Bytes(), &resp)
			require.NoError(t, err)

			assert.Equal(t, eng, resp.Engine)
			assert.Zero(t, resp.Clusters)
		})
	}
}

func TestHandlerHTTPMethod(t *testing.T) {
	handler := Handler("ec2", nil)

	for _, method := range []string{"GET", "POST", "HEAD"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestHandlerResponseBody(t *testing.T) {
	handler := Handler("memory", fixedClusters(1))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Greater(t, w.Body.Len(), 0)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "healthy"))
	assert.True(t, strings.Contains(body, "ec2-elastic-agent"))
	assert.True(t, strings.Contains(body, `"clusters":1`))
	assert.True(t, strings.Contains(body, "go_version"))
}
