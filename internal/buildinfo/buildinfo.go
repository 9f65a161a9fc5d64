// Package buildinfo provides build-time information (version, commit, build time)
// and the plugin's identity as seen by the CI server.
// The version variables are injected at build time via -ldflags.
package buildinfo

// PluginID is the identifier the CI server knows this plugin by.  Agents
// write it into their autoregister properties, so it must never change.
const PluginID = "com.continuumsecurity.elasticagent.ec2"

// ServiceName names the process in telemetry and health output.
const ServiceName = "ec2-elastic-agent"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/ec2-elastic-agent/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash (e.g. "abc1234def5678").
	// Set via: -ldflags "-X github.com/terrpan/ec2-elastic-agent/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/ec2-elastic-agent/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// UserAgent is appended to outgoing cloud and host API calls.
func UserAgent() string {
	return ServiceName + "/" + Version
}
