package agent

import "time"

// State is the controller's view of a VM.  The controller never observes
// agent registration directly; it infers states from its own record.
type State string

const (
	// StatePending: launched, not yet handed a job by the host.
	StatePending State = "pending"
	// StateBusy: the host has asked to assign the record's job to it.
	StateBusy State = "busy"
	// StateReapable: pending for longer than the auto-register timeout.
	StateReapable State = "reapable"
	// StateTerminating: a terminate call is in flight.
	StateTerminating State = "terminating"
)

// Record is the controller's entry for one VM.  Records are values;
// updates replace the stored copy.
type Record struct {
	ID         string
	CreatedAt  time.Time
	Properties Profile
	Job        JobIdentifier

	// AssignedAt is set the first time the host is told it may assign
	// the record's job to this VM.
	AssignedAt time.Time

	// DisableReason is set when the VM hit a failure the controller
	// cannot recover from on its own.
	DisableReason string

	Terminating bool

	// Discovered marks records rebuilt from cloud tags.  Their
	// assignment history is unknown.
	Discovered bool
}

// State derives the controller state of r at now.
func (r Record) State(now time.Time, autoRegisterTimeout time.Duration) State {
	switch {
	case r.Terminating:
		return StateTerminating
	case !r.AssignedAt.IsZero():
		return StateBusy
	case now.Sub(r.CreatedAt) > autoRegisterTimeout:
		return StateReapable
	default:
		return StatePending
	}
}
