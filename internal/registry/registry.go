// Package registry holds the controller's in-memory view of the VMs it
// manages, one Registry per cluster.
//
// All reads and writes of one Registry go through its mutex.  Slow cloud
// calls happen outside the lock: callers Reserve a slot for a job, run
// the VM, then Commit or Release the reservation.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

var (
	// ErrJobHasAgent means a record or an in-flight reservation already
	// exists for the job.
	ErrJobHasAgent = errors.New("registry: job already has an agent")

	// ErrFull means the cluster is at its agent limit.
	ErrFull = errors.New("registry: cluster at max agents")

	// ErrInvalidRecord means a record has no id or no job.
	ErrInvalidRecord = errors.New("registry: record needs an id and a job")

	// ErrDuplicate means another record already has the id.
	ErrDuplicate = errors.New("registry: duplicate instance id")
)

// ListingGrace is how long a record may be missing from cloud listings
// before Reconcile drops it.  EC2 listings lag behind RunInstances.
const ListingGrace = time.Minute

// Registry is the record store of one cluster.
type Registry struct {
	key string

	mu      sync.Mutex
	profile cluster.Profile
	records map[string]agent.Record
	pending map[int64]time.Time // job id -> reservation time

	// seq numbers every insertion so a refresh can tell records that
	// predate its listing from ones added while it ran.
	seq         uint64
	added       map[string]uint64 // instance id -> seq at insertion
	refreshedAt time.Time

	// sweeping is held for the duration of one refresh+sweep pass.
	sweeping sync.Mutex
}

// New returns an empty registry for the cluster key.
func New(key string) *Registry {
	return &Registry{
		key:     key,
		records: make(map[string]agent.Record),
		pending: make(map[int64]time.Time),
		added:   make(map[string]uint64),
	}
}

// Key returns the cluster key.
func (r *Registry) Key() string { return r.key }

// Profile returns the last cluster profile seen for this cluster.
func (r *Registry) Profile() cluster.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile
}

func (r *Registry) setProfile(p cluster.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profile = p
}

// Len counts records plus outstanding reservations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records) + len(r.pending)
}

// Add inserts rec, replacing nothing.
func (r *Registry) Add(rec agent.Record) error {
	if rec.ID == "" || rec.Job.IsZero() {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	r.insertLocked(rec)
	return nil
}

func (r *Registry) insertLocked(rec agent.Record) {
	r.seq++
	r.records[rec.ID] = rec
	r.added[rec.ID] = r.seq
}

func (r *Registry) deleteLocked(id string) {
	delete(r.records, id)
	delete(r.added, id)
}

// Remove deletes the record with id and returns it.
func (r *Registry) Remove(id string) (agent.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if ok {
		r.deleteLocked(id)
	}
	return rec, ok
}

// FindByID returns the record with id.
func (r *Registry) FindByID(id string) (agent.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// FindByJob returns the record created for jobID.
func (r *Registry) FindByJob(jobID int64) (agent.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByJobLocked(jobID)
}

func (r *Registry) findByJobLocked(jobID int64) (agent.Record, bool) {
	for _, rec := range r.records {
		if rec.Job.JobID == jobID {
			return rec, true
		}
	}
	return agent.Record{}, false
}

// Snapshot returns a copy of all records ordered by creation time.
func (r *Registry) Snapshot() []agent.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b agent.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// Reserve claims a slot for job so that no concurrent request launches a
// second VM for it.  It fails with ErrJobHasAgent when the job already
// has a record or a reservation, and with ErrFull when records plus
// reservations reach maxAgents.
func (r *Registry) Reserve(jobID int64, maxAgents int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[jobID]; ok {
		return ErrJobHasAgent
	}
	if _, ok := r.findByJobLocked(jobID); ok {
		return ErrJobHasAgent
	}
	if len(r.records)+len(r.pending) >= maxAgents {
		return ErrFull
	}
	r.pending[jobID] = now
	return nil
}

// Commit turns the reservation for rec's job into rec.  If a refresh
// already added a record with the same id and job, rec replaces it.
func (r *Registry) Commit(rec agent.Record) error {
	if rec.ID == "" || rec.Job.IsZero() {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, rec.Job.JobID)
	if old, ok := r.records[rec.ID]; ok {
		if !old.Job.Equal(rec.Job) {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
		// A refresh found the VM by its tags first.  Keep what it
		// learned since and take the launch details from rec.
		rec.AssignedAt = old.AssignedAt
		rec.DisableReason = old.DisableReason
		rec.Terminating = old.Terminating
		r.records[rec.ID] = rec
		return nil
	}
	r.insertLocked(rec)
	return nil
}

// Release drops the reservation for jobID.
func (r *Registry) Release(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, jobID)
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// MarkAssigned reports whether the record for id carries job.  On a match
// the record is stamped with the first assignment time.
func (r *Registry) MarkAssigned(id string, job agent.JobIdentifier, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !rec.Job.Equal(job) {
		return false
	}
	if rec.AssignedAt.IsZero() {
		rec.AssignedAt = now
		r.records[id] = rec
	}
	return true
}

// Disable records why the VM can no longer be used.
func (r *Registry) Disable(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.DisableReason = reason
	r.records[id] = rec
	return true
}

// BeginTerminate flags the record for id as terminating.  It returns
// false when the record is unknown or another caller is already
// terminating it.
func (r *Registry) BeginTerminate(id string) (agent.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Terminating {
		return agent.Record{}, false
	}
	rec.Terminating = true
	r.records[id] = rec
	return rec, true
}

// EndTerminate finishes a BeginTerminate.  On success the record is
// removed; otherwise it is kept for the next sweep.
func (r *Registry) EndTerminate(id string, terminated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	if terminated {
		r.deleteLocked(id)
		return
	}
	rec.Terminating = false
	r.records[id] = rec
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Mark returns a position to pass to Reconcile.  Take it before
// listing the cloud.
func (r *Registry) Mark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Reconcile merges the VMs the cloud reported into the registry.
// Observed VMs without a record are added.  Records missing from the
// observation are removed, except those inserted after mark and those
// created less than ListingGrace before at: the cloud may not show them
// yet.
func (r *Registry) Reconcile(observed []agent.Record, mark uint64, at time.Time) (added, removed []agent.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshedAt = at
	seen := make(map[string]bool, len(observed))
	for _, rec := range observed {
		if rec.ID == "" || rec.Job.IsZero() {
			continue
		}
		seen[rec.ID] = true
		if _, ok := r.records[rec.ID]; ok {
			continue
		}
		r.insertLocked(rec)
		delete(r.pending, rec.Job.JobID)
		added = append(added, rec)
	}

	for id, rec := range r.records {
		if seen[id] || r.added[id] > mark || at.Sub(rec.CreatedAt) < ListingGrace {
			continue
		}
		r.deleteLocked(id)
		removed = append(removed, rec)
	}
	slices.SortFunc(removed, func(a, b agent.Record) int { return strings.Compare(a.ID, b.ID) })
	return added, removed
}

// RefreshedAt returns the time of the last Reconcile, or the zero time
// if the registry was never reconciled with the cloud.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshedAt
}

// TrySweep takes the cluster's sweep lock without blocking.  The
// returned func releases it.
func (r *Registry) TrySweep() (func(), bool) {
	if !r.sweeping.TryLock() {
		return nil, false
	}
	return r.sweeping.Unlock, true
}

// Check returns a description of every broken invariant.
func (r *Registry) Check() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var problems []string
	byJob := make(map[int64]string)
	for _, id := range slices.Sorted(maps.Keys(r.records)) {
		rec := r.records[id]
		if rec.ID != id {
			problems = append(problems, fmt.Sprintf("record stored under %q has id %q", id, rec.ID))
		}
		if rec.ID == "" {
			problems = append(problems, "record with empty id")
		}
		if rec.Job.IsZero() {
			problems = append(problems, fmt.Sprintf("record %s has no job", id))
			continue
		}
		if other, ok := byJob[rec.Job.JobID]; ok {
			problems = append(problems, fmt.Sprintf("job %d has records %s and %s", rec.Job.JobID, other, id))
		}
		byJob[rec.Job.JobID] = id
	}
	return problems
}
