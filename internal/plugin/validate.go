package plugin

import (
	"slices"
	"strconv"
	"strings"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

const msgUnknownProperty = "Is an unknown property"

// ValidationError is one entry of a validate-* response.
type ValidationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Field describes one profile property for the host's forms.
type Field struct {
	Key      string        `json:"key"`
	Metadata FieldMetadata `json:"metadata"`

	// check returns a message for an unacceptable value, or "".
	check func(string) string
}

// FieldMetadata tells the host how to treat a property.
type FieldMetadata struct {
	Required bool `json:"required"`
	Secure   bool `json:"secure"`
}

// clusterFields lists cluster profile properties in validation order.
var clusterFields = []Field{
	{Key: cluster.KeyServerURL, Metadata: FieldMetadata{Required: true}, check: cluster.CheckServerURL},
	{Key: cluster.KeyAutoRegisterTimeout, Metadata: FieldMetadata{Required: true}, check: positiveInt(cluster.KeyAutoRegisterTimeout)},
	{Key: cluster.KeyMaxAgents, Metadata: FieldMetadata{Required: true}, check: positiveInt(cluster.KeyMaxAgents)},
	{Key: cluster.KeyAccessKeyID},
	{Key: cluster.KeySecretAccessKey, Metadata: FieldMetadata{Secure: true}},
	{Key: cluster.KeyRegion, Metadata: FieldMetadata{Required: true}, check: notBlank(cluster.KeyRegion)},
	{Key: cluster.KeyProfile},
	{Key: cluster.KeyEndpointURL, check: cluster.CheckEndpointURL},
}

// agentFields lists elastic agent profile properties in validation order.
var agentFields = []Field{
	{Key: agent.KeyAMI, Metadata: FieldMetadata{Required: true}, check: notBlank(agent.KeyAMI)},
	{Key: agent.KeyInstanceType, Metadata: FieldMetadata{Required: true}, check: notBlank(agent.KeyInstanceType)},
	{Key: agent.KeySSHKey},
	{Key: agent.KeySecurityGroups, Metadata: FieldMetadata{Required: true}, check: notBlank(agent.KeySecurityGroups)},
	{Key: agent.KeySubnets, Metadata: FieldMetadata{Required: true}, check: notBlank(agent.KeySubnets)},
	{Key: agent.KeyInstanceProfile},
	{Key: agent.KeyUserData},
	{Key: agent.KeyWorkDir},
}

// ValidateClusterProfile checks a cluster profile.  Known fields are
// reported in form order, then unknown keys in sorted order.
func ValidateClusterProfile(props map[string]string) []ValidationError {
	return validate(clusterFields, props)
}

// ValidateAgentProfile checks an elastic agent profile.
func ValidateAgentProfile(props map[string]string) []ValidationError {
	return validate(agentFields, props)
}

func validate(fields []Field, props map[string]string) []ValidationError {
	errs := []ValidationError{}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Key] = true
		if f.check == nil {
			continue
		}
		if msg := f.check(props[f.Key]); msg != "" {
			errs = append(errs, ValidationError{Key: f.Key, Message: msg})
		}
	}

	var unknown []string
	for k := range props {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	slices.Sort(unknown)
	for _, k := range unknown {
		errs = append(errs, ValidationError{Key: k, Message: msgUnknownProperty})
	}
	return errs
}

func notBlank(key string) func(string) string {
	return func(v string) string {
		if strings.TrimSpace(v) == "" {
			return key + " must not be blank."
		}
		return ""
	}
}

func positiveInt(key string) func(string) string {
	return func(v string) string {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return key + " must be a positive integer."
		}
		return ""
	}
}
