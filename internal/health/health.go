// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	PluginID     string    `json:"plugin_id"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Clusters     int       `json:"clusters"`
	Timestamp    time.Time `json:"timestamp"`
}

// ClusterCounter reports how many clusters the plugin currently tracks.
type ClusterCounter interface {
	Len() int
}

// Handler responds to health check requests. It reports build info, the
// configured compute engine and the number of clusters seen so far. The
// status is always "healthy" (200 OK): this is a liveness check, and
// cloud or host outages are reported per request instead.
func Handler(engine string, clusters ClusterCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  buildinfo.ServiceName,
			PluginID:     buildinfo.PluginID,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Timestamp:    time.Now().UTC(),
		}
		if clusters != nil {
			response.Clusters = clusters.Len()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
