package agent

// Agent states as the host reports them.
const (
	AgentStateIdle     = "Idle"
	AgentStateBuilding = "Building"

	BuildStateBuilding = "Building"

	ConfigStateDisabled = "Disabled"
)

// Metadata is the host's view of one registered agent.  AgentID is the
// VM's instance id.
type Metadata struct {
	AgentID     string `json:"agent_id"`
	AgentState  string `json:"agent_state"`
	BuildState  string `json:"build_state"`
	ConfigState string `json:"config_state"`
}

// IsIdle reports whether the agent is registered and not running a job.
func (m Metadata) IsIdle() bool { return m.AgentState == AgentStateIdle }

// IsBuilding reports whether the agent is running a job.
func (m Metadata) IsBuilding() bool {
	return m.AgentState == AgentStateBuilding || m.BuildState == BuildStateBuilding
}

// IsDisabled reports whether the host will no longer assign work to it.
func (m Metadata) IsDisabled() bool { return m.ConfigState == ConfigStateDisabled }
