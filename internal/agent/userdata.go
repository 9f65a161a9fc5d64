package agent

import (
	"encoding/base64"
	"path"
	"strings"

	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
)

// BootstrapParams is everything the user-data script depends on.
type BootstrapParams struct {
	ServerURL       string
	AutoRegisterKey string
	Environment     string
	Profile         Profile
}

// UserData renders the bootstrap script run by cloud-init on first boot.
// Existing agent images depend on the exact text, so keep changes
// additive.
func UserData(p BootstrapParams) string {
	workDir := p.Profile.WorkDir()
	configDir := path.Join(workDir, "config")
	propsFile := path.Join(configDir, "autoregister.properties")
	instanceID := `$(ec2-metadata --instance-id | cut -d " " -f 2)`

	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line("#!/bin/bash")
	line(`sed -ri "s,http[s]?://localhost:[0-9]+/go,` + p.ServerURL + `,g" /usr/share/go-agent/wrapper-config/wrapper-properties.conf`)
	line("mkdir -p " + configDir)
	line(`echo "agent.auto.register.key=` + p.AutoRegisterKey + `" > ` + propsFile)
	line(`echo "agent.auto.register.hostname=EA_` + instanceID + `" >> ` + propsFile)
	line(`echo "agent.auto.register.elasticAgent.agentId=` + instanceID + `" >> ` + propsFile)
	line(`echo "agent.auto.register.elasticAgent.pluginId=` + buildinfo.PluginID + `" >> ` + propsFile)
	line("chown -R go:go /var/log/go-agent/")
	line("chown -R go:go " + workDir)
	line("chown -R go:go /usr/share/go-agent/")
	if p.Environment != "" {
		line(`echo "agent.auto.register.environments=` + p.Environment + `" >> ` + propsFile)
	}
	if extra, ok := p.Profile.UserData(); ok {
		line(extra)
	}
	line("systemctl start go-agent.service")

	return b.String()
}

// EncodedUserData is UserData in the base64 form EC2 expects.
func EncodedUserData(p BootstrapParams) string {
	return base64.StdEncoding.EncodeToString([]byte(UserData(p)))
}
