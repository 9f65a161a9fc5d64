// Package engine defines the cloud driver the lifecycle controller
// provisions elastic agents through.  A concrete engine (EC2, or the
// in-memory one used in tests and dry runs) owns credentials, region,
// endpoint override and request signing; the controller only sees the
// capability set below.
package engine

import (
	"context"
	"time"
)

// RunSpec fully describes one VM to launch.
type RunSpec struct {
	ImageID         string
	InstanceType    string
	KeyName         string
	SecurityGroups  []string
	SubnetID        string
	InstanceProfile string // empty: launch without an IAM instance profile
	UserData        string // base64 encoded
	Tags            map[string]string
}

// Instance is a VM as reported by ListByTag.
type Instance struct {
	ID         string
	LaunchTime time.Time
	SubnetID   string
	State      string
	Tags       map[string]string
}

// Engine is the contract every cloud backend must satisfy.
//
// Every VM is single-use: it is launched for exactly one job and is
// terminated (never stopped) afterwards.  The lifecycle is:
//
//	Run → pending → (host assigns job) → busy → (job done / reaped) → Terminate
//
// Implementations must be safe for concurrent use; the controller shares
// one Engine per cluster across all requests.
type Engine interface {
	// Run launches one VM.  On success the VM exists and will show up
	// in ListByTag within a bounded time.  Failures are reported as
	// *TransientError (another subnet may work) or *FatalError (do
	// not retry).
	Run(ctx context.Context, spec RunSpec) (id string, err error)

	// Terminate permanently destroys the VM.  It is idempotent: a VM
	// that is already gone is reported as ErrNotFound, which callers
	// treat as success.
	Terminate(ctx context.Context, id string) error

	// ListByTag returns every non-terminated VM carrying all of the
	// given tags.
	ListByTag(ctx context.Context, selector map[string]string) ([]Instance, error)

	// Describe returns the cloud state of one VM (e.g. "running"), or
	// ErrNotFound.
	Describe(ctx context.Context, id string) (string, error)
}
