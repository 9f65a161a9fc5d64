package agent

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
)

func sampleJob() JobIdentifier {
	return JobIdentifier{
		PipelineName:    "build",
		PipelineCounter: 12,
		PipelineLabel:   "12-abc",
		StageName:       "test",
		StageCounter:    "1",
		JobName:         "unit",
		JobID:           4242,
	}
}

// ---------------------------------------------------------------------------
// JobIdentifier
// ---------------------------------------------------------------------------

func TestJobIdentifierJSONRoundTrip(t *testing.T) {
	job := sampleJob()

	parsed, err := ParseJobIdentifier(job.JSON())
	require.NoError(t, err)
	assert.Equal(t, job, parsed)
}

func TestJobIdentifierCanonicalJSON(t *testing.T) {
	assert.Equal(t,
		`{"pipeline_name":"build","pipeline_counter":12,"pipeline_label":"12-abc","stage_name":"test","stage_counter":"1","job_name":"unit","job_id":4242}`,
		sampleJob().JSON(),
	)
}

func TestJobIdentifierAcceptsQuotedCounters(t *testing.T) {
	job, err := ParseJobIdentifier(`{"pipeline_name":"build","pipeline_counter":"12","stage_counter":1,"job_id":"4242"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(12), job.PipelineCounter)
	assert.Equal(t, "1", job.StageCounter)
	assert.Equal(t, int64(4242), job.JobID)
}

func TestJobIdentifierRejectsGarbage(t *testing.T) {
	_, err := ParseJobIdentifier(`{"job_id":"not-a-number"}`)
	assert.Error(t, err)

	_, err = ParseJobIdentifier(`nope`)
	assert.Error(t, err)
}

func TestJobIdentifierEqualityIsOnJobID(t *testing.T) {
	a := sampleJob()
	b := sampleJob()
	b.PipelineLabel = "other"
	assert.True(t, a.Equal(b))

	b.JobID++
	assert.False(t, a.Equal(b))
}

func TestJobIdentifierRepresentation(t *testing.T) {
	assert.Equal(t, "build/12/test/1/unit", sampleJob().Representation())
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

func TestProfileLists(t *testing.T) {
	p := Profile{
		KeySecurityGroups: "sg-1 , sg-2,sg-3",
		KeySubnets:        " subnet-a,subnet-b ,, ",
	}
	assert.Equal(t, []string{"sg-1", "sg-2", "sg-3"}, p.SecurityGroups())
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, p.Subnets())
	assert.Nil(t, Profile{}.Subnets())
}

func TestProfileWorkDirDefault(t *testing.T) {
	assert.Equal(t, DefaultWorkDir, Profile{}.WorkDir())
	assert.Equal(t, "/opt/agent", Profile{KeyWorkDir: "/opt/agent"}.WorkDir())
}

func TestProfileClone(t *testing.T) {
	p := Profile{KeyAMI: "ami-1"}
	c := p.Clone()
	c[KeyAMI] = "ami-2"
	assert.Equal(t, "ami-1", p.AMI())
	assert.Nil(t, Profile(nil).Clone())
}

// ---------------------------------------------------------------------------
// Record state
// ---------------------------------------------------------------------------

func TestRecordState(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 10 * time.Minute

	r := Record{ID: "i-1", CreatedAt: now.Add(-5 * time.Minute)}
	assert.Equal(t, StatePending, r.State(now, timeout))

	r.CreatedAt = now.Add(-11 * time.Minute)
	assert.Equal(t, StateReapable, r.State(now, timeout))

	r.AssignedAt = now
	assert.Equal(t, StateBusy, r.State(now, timeout))

	r.Terminating = true
	assert.Equal(t, StateTerminating, r.State(now, timeout))
}

// ---------------------------------------------------------------------------
// Tags
// ---------------------------------------------------------------------------

func TestTagsCarryJob(t *testing.T) {
	tags := Tags(sampleJob())

	assert.Equal(t, "GoCD EA build-12-test-unit", tags[TagName])
	assert.Equal(t, ElasticAgentTag, tags[TagType])
	assert.Equal(t, "build", tags[TagPipelineName])
	assert.Equal(t, "12", tags[TagPipelineCounter])
	assert.Equal(t, "12-abc", tags[TagPipelineLabel])
	assert.Equal(t, "test", tags[TagStageName])
	assert.Equal(t, "1", tags[TagStageCounter])
	assert.Equal(t, "unit", tags[TagJobName])
	assert.Equal(t, "4242", tags[TagJobID])
	assert.Equal(t, sampleJob().JSON(), tags[TagJSONJobIdentifier])
	assert.Len(t, tags, 10)
}

func TestJobFromTags(t *testing.T) {
	job, err := JobFromTags(Tags(sampleJob()))
	require.NoError(t, err)
	assert.Equal(t, sampleJob(), job)
}

func TestJobFromTagsFallsBackToIndividualTags(t *testing.T) {
	tags := Tags(sampleJob())
	tags[TagJSONJobIdentifier] = "{broken"

	job, err := JobFromTags(tags)
	require.NoError(t, err)
	assert.Equal(t, sampleJob(), job)
}

func TestJobFromTagsWithoutJob(t *testing.T) {
	_, err := JobFromTags(map[string]string{TagType: ElasticAgentTag})
	assert.ErrorIs(t, err, ErrNoJobTags)

	_, err = JobFromTags(map[string]string{TagJobID: "x"})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// User data
// ---------------------------------------------------------------------------

func TestUserData(t *testing.T) {
	script := UserData(BootstrapParams{
		ServerURL:       "https://ci.example.com:8154/go",
		AutoRegisterKey: "secret-key",
		Environment:     "prod",
		Profile:         Profile{KeyUserData: "echo hello"},
	})

	expected := strings.Join([]string{
		"#!/bin/bash",
		`sed -ri "s,http[s]?://localhost:[0-9]+/go,https://ci.example.com:8154/go,g" /usr/share/go-agent/wrapper-config/wrapper-properties.conf`,
		"mkdir -p /var/lib/go-agent/config",
		`echo "agent.auto.register.key=secret-key" > /var/lib/go-agent/config/autoregister.properties`,
		`echo "agent.auto.register.hostname=EA_$(ec2-metadata --instance-id | cut -d " " -f 2)" >> /var/lib/go-agent/config/autoregister.properties`,
		`echo "agent.auto.register.elasticAgent.agentId=$(ec2-metadata --instance-id | cut -d " " -f 2)" >> /var/lib/go-agent/config/autoregister.properties`,
		`echo "agent.auto.register.elasticAgent.pluginId=` + buildinfo.PluginID + `" >> /var/lib/go-agent/config/autoregister.properties`,
		"chown -R go:go /var/log/go-agent/",
		"chown -R go:go /var/lib/go-agent/",
		"chown -R go:go /usr/share/go-agent/",
		`echo "agent.auto.register.environments=prod" >> /var/lib/go-agent/config/autoregister.properties`,
		"echo hello",
		"systemctl start go-agent.service",
		"",
	}, "\n")
	assert.Equal(t, expected, script)
}

func TestUserDataOmitsOptionalLines(t *testing.T) {
	script := UserData(BootstrapParams{
		ServerURL:       "https://ci.example.com/go",
		AutoRegisterKey: "k",
		Profile:         Profile{KeyWorkDir: "/srv/agent"},
	})

	assert.NotContains(t, script, "environments=")
	assert.Contains(t, script, "mkdir -p /srv/agent/config\n")
	assert.Contains(t, script, "chown -R go:go /srv/agent\n")
	assert.True(t, strings.HasSuffix(script, "chown -R go:go /usr/share/go-agent/\nsystemctl start go-agent.service\n"))
}

func TestEncodedUserData(t *testing.T) {
	p := BootstrapParams{ServerURL: "https://ci/go", AutoRegisterKey: "k"}
	decoded, err := base64.StdEncoding.DecodeString(EncodedUserData(p))
	require.NoError(t, err)
	assert.Equal(t, UserData(p), string(decoded))
}
