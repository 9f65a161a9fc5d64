package agent

import (
	"regexp"
	"strings"
)

// Agent profile property keys, as the host sends them.
const (
	KeyAMI             = "ec2_ami"
	KeyInstanceType    = "ec2_instance_type"
	KeySSHKey          = "ec2_key"
	KeySecurityGroups  = "ec2_sg"
	KeySubnets         = "ec2_subnets"
	KeyInstanceProfile = "ec2_instance_profile"
	KeyUserData        = "ec2_user_data"
	KeyWorkDir         = "go_agent_work_dir"
)

// DefaultWorkDir is used when the profile does not name a working
// directory for the agent.
const DefaultWorkDir = "/var/lib/go-agent/"

var listSeparator = regexp.MustCompile(`\s*,\s*`)

// Profile is the worker shape requested by a job's elastic agent
// profile.  It is kept as the raw property map so that records carry
// exactly what the host sent.
type Profile map[string]string

// AMI returns the image identifier.
func (p Profile) AMI() string { return strings.TrimSpace(p[KeyAMI]) }

// InstanceType returns the EC2 instance type, e.g. "t3.medium".
func (p Profile) InstanceType() string { return strings.TrimSpace(p[KeyInstanceType]) }

// SSHKey returns the key pair name; empty means none.
func (p Profile) SSHKey() string { return strings.TrimSpace(p[KeySSHKey]) }

// InstanceProfile returns the IAM instance profile name; empty means the
// VM is launched without one.
func (p Profile) InstanceProfile() string { return strings.TrimSpace(p[KeyInstanceProfile]) }

// UserData returns the user-supplied user-data suffix and whether one was
// given at all.
func (p Profile) UserData() (string, bool) {
	v, ok := p[KeyUserData]
	return v, ok
}

// WorkDir returns the agent working directory.
func (p Profile) WorkDir() string {
	if v := strings.TrimSpace(p[KeyWorkDir]); v != "" {
		return v
	}
	return DefaultWorkDir
}

// SecurityGroups returns the security group ids in profile order.
func (p Profile) SecurityGroups() []string { return splitList(p[KeySecurityGroups]) }

// Subnets returns the subnet ids in profile order.
func (p Profile) Subnets() []string { return splitList(p[KeySubnets]) }

// Clone returns a copy that does not share storage with p.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	c := make(Profile, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range listSeparator.Split(s, -1) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
