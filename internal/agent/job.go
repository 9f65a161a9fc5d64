// Package agent models a single elastic agent: the job it was launched
// for, the shape of the VM (agent profile), the controller's record of
// it, the tags written onto the VM and the user-data script that makes
// the VM auto-register with the CI server.
package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JobIdentifier is the host's handle for a queued job.  Two identifiers
// are the same job when their JobID matches; the other fields are
// descriptive.
type JobIdentifier struct {
	PipelineName    string `json:"pipeline_name"`
	PipelineCounter int64  `json:"pipeline_counter"`
	PipelineLabel   string `json:"pipeline_label"`
	StageName       string `json:"stage_name"`
	StageCounter    string `json:"stage_counter"`
	JobName         string `json:"job_name"`
	JobID           int64  `json:"job_id"`
}

// Equal reports whether j and other identify the same job.
func (j JobIdentifier) Equal(other JobIdentifier) bool {
	return j.JobID == other.JobID
}

// IsZero reports whether j carries no job at all.
func (j JobIdentifier) IsZero() bool {
	return j == JobIdentifier{}
}

// Representation is the human-readable path of the job, e.g.
// "build/12/test/1/unit".
func (j JobIdentifier) Representation() string {
	return fmt.Sprintf("%s/%d/%s/%s/%s", j.PipelineName, j.PipelineCounter, j.StageName, j.StageCounter, j.JobName)
}

// JSON returns the canonical JSON form written to the JsonJobIdentifier
// tag.  Field order is fixed by the struct declaration.
func (j JobIdentifier) JSON() string {
	// Marshalling a struct of strings and ints cannot fail.
	b, _ := json.Marshal(j)
	return string(b)
}

// ParseJobIdentifier decodes the canonical JSON form.
func ParseJobIdentifier(s string) (JobIdentifier, error) {
	var j JobIdentifier
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return JobIdentifier{}, fmt.Errorf("decoding job identifier: %w", err)
	}
	return j, nil
}

// UnmarshalJSON accepts the counters either as JSON numbers or as
// strings; hosts differ in how they render them.
func (j *JobIdentifier) UnmarshalJSON(data []byte) error {
	var raw struct {
		PipelineName    string     `json:"pipeline_name"`
		PipelineCounter flexString `json:"pipeline_counter"`
		PipelineLabel   string     `json:"pipeline_label"`
		StageName       string     `json:"stage_name"`
		StageCounter    flexString `json:"stage_counter"`
		JobName         string     `json:"job_name"`
		JobID           flexString `json:"job_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pipelineCounter, err := raw.PipelineCounter.int64()
	if err != nil {
		return fmt.Errorf("pipeline_counter: %w", err)
	}
	jobID, err := raw.JobID.int64()
	if err != nil {
		return fmt.Errorf("job_id: %w", err)
	}

	*j = JobIdentifier{
		PipelineName:    raw.PipelineName,
		PipelineCounter: pipelineCounter,
		PipelineLabel:   raw.PipelineLabel,
		StageName:       raw.StageName,
		StageCounter:    string(raw.StageCounter),
		JobName:         raw.JobName,
		JobID:           jobID,
	}
	return nil
}

// flexString holds a JSON scalar that may arrive quoted or bare.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(b)
	}
	return nil
}

func (f flexString) int64() (int64, error) {
	if f == "" {
		return 0, nil
	}
	return strconv.ParseInt(string(f), 10, 64)
}
