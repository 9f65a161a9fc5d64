package plugin

import (
	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

// Request names the host sends.  Each is prefixed with RequestPrefix.
const (
	RequestPrefix = "cd.go.elastic-agent."

	RequestGetIcon                = RequestPrefix + "get-icon"
	RequestGetCapabilities        = RequestPrefix + "get-capabilities"
	RequestClusterProfileMetadata = RequestPrefix + "get-cluster-profile-metadata"
	RequestClusterProfileView     = RequestPrefix + "get-cluster-profile-view"
	RequestValidateClusterProfile = RequestPrefix + "validate-cluster-profile"
	RequestElasticProfileMetadata = RequestPrefix + "get-elastic-agent-profile-metadata"
	RequestElasticProfileView     = RequestPrefix + "get-elastic-agent-profile-view"
	RequestValidateElasticProfile = RequestPrefix + "validate-elastic-agent-profile"
	RequestCreateAgent            = RequestPrefix + "create-agent"
	RequestShouldAssignWork       = RequestPrefix + "should-assign-work"
	RequestJobCompletion          = RequestPrefix + "job-completion"
	RequestServerPing             = RequestPrefix + "server-ping"
	RequestAgentStatusReport      = RequestPrefix + "agent-status-report"
	RequestClusterStatusReport    = RequestPrefix + "cluster-status-report"
	RequestPluginStatusReport     = RequestPrefix + "plugin-status-report"

	// RequestPluginSettingsView is the older name of the cluster profile
	// view.
	RequestPluginSettingsView = RequestPrefix + "plugin-settings-view"
)

type createAgentRequest struct {
	AutoRegisterKey string              `json:"auto_register_key"`
	Properties      agent.Profile       `json:"elastic_agent_profile_properties"`
	Environment     string              `json:"environment"`
	Job             agent.JobIdentifier `json:"job_identifier"`
	Cluster         cluster.Profile     `json:"cluster_profile_properties"`
}

type shouldAssignWorkRequest struct {
	Agent       agent.Metadata      `json:"agent"`
	Environment string              `json:"environment"`
	Properties  agent.Profile       `json:"elastic_agent_profile_properties"`
	Job         agent.JobIdentifier `json:"job_identifier"`
	Cluster     cluster.Profile     `json:"cluster_profile_properties"`
}

type jobCompletionRequest struct {
	AgentID string              `json:"elastic_agent_id"`
	Job     agent.JobIdentifier `json:"job_identifier"`
	Cluster cluster.Profile     `json:"cluster_profile_properties"`
}

type serverPingRequest struct {
	Clusters []cluster.Profile `json:"all_cluster_profile_properties"`
}

type agentStatusReportRequest struct {
	AgentID string              `json:"elastic_agent_id"`
	Job     agent.JobIdentifier `json:"job_identifier"`
	Cluster cluster.Profile     `json:"cluster_profile_properties"`
}

type clusterStatusReportRequest struct {
	Cluster cluster.Profile `json:"cluster_profile_properties"`
}

type pluginStatusReportRequest struct {
	Clusters []cluster.Profile `json:"all_cluster_profiles_properties"`
}
