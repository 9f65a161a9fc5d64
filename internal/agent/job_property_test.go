package agent

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"
)

func TestJobIdentifierRoundTripProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical JSON round-trips", prop.ForAll(
		func(job JobIdentifier) bool {
			parsed, err := ParseJobIdentifier(job.JSON())
			return err == nil && parsed == job
		},
		genJobIdentifier(),
	))

	properties.Property("tags round-trip", prop.ForAll(
		func(job JobIdentifier) bool {
			parsed, err := JobFromTags(Tags(job))
			return err == nil && parsed == job
		},
		genJobIdentifier(),
	))

	properties.TestingRun(t)
}

func genJobIdentifier() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		rng := genParams.Rng
		job := JobIdentifier{
			PipelineName:    randomString(rng),
			PipelineCounter: rng.Int63(),
			PipelineLabel:   randomString(rng),
			StageName:       randomString(rng),
			StageCounter:    randomString(rng),
			JobName:         randomString(rng),
			JobID:           rng.Int63() - rng.Int63(),
		}
		return gopter.NewGenResult(job, gopter.NoShrinker)
	}
}

const alphabet = `abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_ ./"\<>&`

func randomString(rng *rand.Rand) string {
	b := make([]byte, rng.Intn(24))
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
