// Package cluster models a cluster profile: the region, endpoint and
// credentials the plugin provisions VMs with, plus the per-cluster
// limits.  Profiles that resolve to the same Key address the same
// cluster.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Cluster profile property keys.
const (
	KeyServerURL           = "go_server_url"
	KeyAutoRegisterTimeout = "auto_register_timeout"
	KeyMaxAgents           = "max_elastic_agents"
	KeyAccessKeyID         = "aws_access_key_id"
	KeySecretAccessKey     = "aws_secret_access_key"
	KeyRegion              = "aws_region"
	KeyProfile             = "aws_profile"
	KeyEndpointURL         = "aws_endpoint_url"
)

// DefaultAutoRegisterTimeout applies when the profile value is missing or
// not a positive integer.
const DefaultAutoRegisterTimeout = 10 * time.Minute

// Profile is a cluster profile as the host sends it.
type Profile map[string]string

func (p Profile) get(key string) string { return strings.TrimSpace(p[key]) }

// ServerURL is the CI server base URL agents register against.
func (p Profile) ServerURL() string { return p.get(KeyServerURL) }

// Region is the AWS region code.
func (p Profile) Region() string { return p.get(KeyRegion) }

// EndpointURL is the optional EC2 endpoint override (e.g. a VPC endpoint).
func (p Profile) EndpointURL() string { return p.get(KeyEndpointURL) }

// AccessKeyID and SecretAccessKey form the static credential pair.
func (p Profile) AccessKeyID() string     { return p.get(KeyAccessKeyID) }
func (p Profile) SecretAccessKey() string { return p.get(KeySecretAccessKey) }

// CredentialProfile names a shared-config profile for the default chain.
func (p Profile) CredentialProfile() string { return p.get(KeyProfile) }

// HasStaticCredentials reports whether both halves of the static pair are
// present.  Otherwise the default provider chain is used.
func (p Profile) HasStaticCredentials() bool {
	return p.AccessKeyID() != "" && p.SecretAccessKey() != ""
}

// AutoRegisterTimeout is how long a launched VM may stay unclaimed before
// it is reaped.
func (p Profile) AutoRegisterTimeout() time.Duration {
	n, err := strconv.Atoi(p.get(KeyAutoRegisterTimeout))
	if err != nil || n <= 0 {
		return DefaultAutoRegisterTimeout
	}
	return time.Duration(n) * time.Minute
}

// MaxAgents is the cap on records per cluster.  An unparsable value
// yields 0, which refuses every create.
func (p Profile) MaxAgents() int {
	n, err := strconv.Atoi(p.get(KeyMaxAgents))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Key identifies the cluster: a stable hash over region, endpoint and
// credentials.  Limits and server URL do not take part.
func (p Profile) Key() string {
	h := sha256.New()
	for _, v := range []string{
		p.Region(),
		p.EndpointURL(),
		p.AccessKeyID(),
		p.SecretAccessKey(),
		p.CredentialProfile(),
	} {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortKey is a log-friendly prefix of Key.
func (p Profile) ShortKey() string {
	return p.Key()[:12]
}
