// Package registry tracks the publishing jobs known to this node.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"edition-publisher/internal/job"
)

// ErrEditionActive is returned when an edition already has a running job.
var ErrEditionActive = errors.New("edition already has an active job")

// Registry maps job ids to jobs and editions to their active job.
// The edition index is the only mutual exclusion point for starting jobs.
type Registry struct {
	jobs     *xsync.MapOf[int64, *job.Job]
	editions *xsync.MapOf[int64, int64]
	reapTime time.Duration
	now      func() time.Time
	onRemove func(jobID int64)
}

// New creates a registry that forgets finished jobs after reapTime.
func New(reapTime time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		jobs:     xsync.NewMapOf[int64, *job.Job](),
		editions: xsync.NewMapOf[int64, int64](),
		reapTime: reapTime,
		now:      now,
	}
}

// Claim reserves the edition for jobID. It fails if another job holds it.
func (r *Registry) Claim(editionID, jobID int64) error {
	if holder, loaded := r.editions.LoadOrStore(editionID, jobID); loaded && holder != jobID {
		return ErrEditionActive
	}
	return nil
}

// Release frees the edition if jobID still holds it.
func (r *Registry) Release(editionID, jobID int64) {
	r.editions.Compute(editionID, func(holder int64, loaded bool) (int64, bool) {
		if !loaded {
			return 0, true
		}
		return holder, holder == jobID
	})
}

// OnRemove sets a hook run after a job is forgotten, whether reaped or removed.
func (r *Registry) OnRemove(fn func(jobID int64)) {
	r.onRemove = fn
}

// Register stores a new job and then claims its edition, so a job id taken
// from the edition index always resolves. The job is dropped again if the
// edition is held by another job.
func (r *Registry) Register(j *job.Job) error {
	r.jobs.Store(j.ID(), j)
	if err := r.Claim(j.Edition().ID, j.ID()); err != nil {
		r.jobs.Delete(j.ID())
		return err
	}
	return nil
}

// Add registers a job whose edition has already been claimed.
func (r *Registry) Add(j *job.Job) {
	r.jobs.Store(j.ID(), j)
}

func (r *Registry) Get(jobID int64) (*job.Job, bool) {
	return r.jobs.Load(jobID)
}

// Remove forgets a job and releases its edition.
func (r *Registry) Remove(jobID int64) bool {
	j, ok := r.jobs.LoadAndDelete(jobID)
	if !ok {
		return false
	}
	r.Release(j.Edition().ID, jobID)
	if r.onRemove != nil {
		r.onRemove(jobID)
	}
	return true
}

// EditionJob is the job currently holding the edition, or 0.
func (r *Registry) EditionJob(editionID int64) int64 {
	jobID, _ := r.editions.Load(editionID)
	return jobID
}

// JobEdition is the edition a known job runs.
func (r *Registry) JobEdition(jobID int64) (int64, bool) {
	j, ok := r.jobs.Load(jobID)
	if !ok {
		return 0, false
	}
	return j.Edition().ID, true
}

// JobIDs lists known jobs, optionally limited to one site (siteID 0 means all).
// It reaps jobs that finished more than the reap time ago.
func (r *Registry) JobIDs(siteID int64) []int64 {
	r.Reap()
	ids := make([]int64, 0, r.jobs.Size())
	r.jobs.Range(func(id int64, j *job.Job) bool {
		if siteID == 0 || j.Edition().SiteID == siteID {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

// Reap drops finished jobs older than the reap time and returns how many went.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.reapTime)
	reaped := 0
	r.jobs.Range(func(id int64, j *job.Job) bool {
		finished := j.FinishedAt()
		if !finished.IsZero() && finished.Before(cutoff) {
			if r.Remove(id) {
				reaped++
			}
		}
		return true
	})
	if reaped > 0 {
		log.Debug().Int("reaped", reaped).Msg("Reaped finished publishing jobs")
	}
	return reaped
}
