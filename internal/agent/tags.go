package agent

import (
	"errors"
	"fmt"
	"strconv"
)

// ElasticAgentTag is the value of the "type" tag on every VM this plugin
// launches.  Discovery selects on it.
const ElasticAgentTag = "go-ec2-elastic-agent"

// Tag keys written onto every VM.
const (
	TagName              = "Name"
	TagType              = "type"
	TagPipelineName      = "pipelineName"
	TagPipelineCounter   = "pipelineCounter"
	TagPipelineLabel     = "pipelineLabel"
	TagStageName         = "stageName"
	TagStageCounter      = "stageCounter"
	TagJobName           = "jobName"
	TagJobID             = "jobId"
	TagJSONJobIdentifier = "JsonJobIdentifier"
)

// ErrNoJobTags is returned by JobFromTags when a VM carries neither the
// JSON tag nor a jobId tag.
var ErrNoJobTags = errors.New("instance carries no job identifier tags")

// Tags returns the full tag set for a VM launched for job.
func Tags(job JobIdentifier) map[string]string {
	return map[string]string{
		TagName:              InstanceName(job),
		TagType:              ElasticAgentTag,
		TagPipelineName:      job.PipelineName,
		TagPipelineCounter:   strconv.FormatInt(job.PipelineCounter, 10),
		TagPipelineLabel:     job.PipelineLabel,
		TagStageName:         job.StageName,
		TagStageCounter:      job.StageCounter,
		TagJobName:           job.JobName,
		TagJobID:             strconv.FormatInt(job.JobID, 10),
		TagJSONJobIdentifier: job.JSON(),
	}
}

// InstanceName is the value of the Name tag.
func InstanceName(job JobIdentifier) string {
	return fmt.Sprintf("GoCD EA %s-%d-%s-%s", job.PipelineName, job.PipelineCounter, job.StageName, job.JobName)
}

// Selector returns the tag filter matching every VM this plugin owns.
func Selector() map[string]string {
	return map[string]string{TagType: ElasticAgentTag}
}

// JobFromTags rebuilds the job identifier of a discovered VM.  The JSON
// tag is authoritative; the individual tags are used when it is missing
// or unreadable.
func JobFromTags(tags map[string]string) (JobIdentifier, error) {
	if s, ok := tags[TagJSONJobIdentifier]; ok && s != "" {
		if job, err := ParseJobIdentifier(s); err == nil {
			return job, nil
		}
	}

	idTag, ok := tags[TagJobID]
	if !ok || idTag == "" {
		return JobIdentifier{}, ErrNoJobTags
	}
	jobID, err := strconv.ParseInt(idTag, 10, 64)
	if err != nil {
		return JobIdentifier{}, fmt.Errorf("jobId tag %q: %w", idTag, err)
	}
	job := JobIdentifier{
		PipelineName:  tags[TagPipelineName],
		PipelineLabel: tags[TagPipelineLabel],
		StageName:     tags[TagStageName],
		StageCounter:  tags[TagStageCounter],
		JobName:       tags[TagJobName],
		JobID:         jobID,
	}
	if c := tags[TagPipelineCounter]; c != "" {
		if job.PipelineCounter, err = strconv.ParseInt(c, 10, 64); err != nil {
			return JobIdentifier{}, fmt.Errorf("pipelineCounter tag %q: %w", c, err)
		}
	}
	return job, nil
}
