package cluster

import (
	"net/url"
	"strings"
)

// Messages returned by the URL checks.  Hosts show them next to the form
// field verbatim.
const (
	msgServerURLBlank   = "Go Server URL must not be blank."
	msgServerURLInvalid = "Go Server URL must be a valid URL ending with '/go' (https://example.com:8154/go)"

	msgEndpointInvalid   = "Endpoint URL must be a valid URL (https://<vpc-endpoint-id>.ec2.<aws-region>.vpce.amazonaws.com)"
	msgEndpointNotHTTPS  = "Endpoint URL must be a valid HTTPs URL (https://<vpc-endpoint-id>.ec2.<aws-region>.vpce.amazonaws.com)"
	msgEndpointLocalhost = "Endpoint URL must not be localhost, since this gets resolved on the agents"
)

// CheckServerURL returns a validation message for the CI server URL, or
// "" when it is acceptable.
func CheckServerURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return msgServerURLBlank
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return msgServerURLInvalid
	}
	if !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
		return msgServerURLInvalid
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/go") {
		return msgServerURLInvalid
	}
	return ""
}

// CheckEndpointURL returns a validation message for the optional EC2
// endpoint override, or "" when it is blank or acceptable.  Agents
// resolve the endpoint themselves, so loopback addresses are refused.
func CheckEndpointURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return msgEndpointInvalid
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return msgEndpointNotHTTPS
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || host == "127.0.0.1" {
		return msgEndpointLocalhost
	}
	return ""
}
