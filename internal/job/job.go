// Package job implements the per-run publishing job state machine.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"edition-publisher/internal/models"
	"edition-publisher/internal/tasks"
)

// Queuer drains an edition's content lists into assembly work. It reports
// item statuses through the publisher and returns how many items it queued.
type Queuer interface {
	Queue(ctx context.Context, jobID int64, ed models.Edition) (int, error)
}

// Committer starts the transactional delivery commit for a job. Completion is
// signalled separately through AckCommit.
type Committer interface {
	Commit(ctx context.Context, jobID int64) error
}

// Validator runs pre-flight checks. It returns a validation state to stop the
// job before any work, or "" to proceed.
type Validator func(ctx context.Context, ed models.Edition) models.JobState

// TaskRunner invokes edition tasks around the job's main work.
type TaskRunner interface {
	RunPre(ctx context.Context, ed models.Edition, jobID int64, start time.Time, status tasks.StatusCallback) []tasks.Failure
	RunPost(ctx context.Context, ed models.Edition, jobID int64, start, end time.Time, success bool, status tasks.StatusCallback) []tasks.Failure
}

// Deps are the collaborators a job drives.
type Deps struct {
	Queuer       Queuer
	Committer    Committer
	Validator    Validator
	Tasks        TaskRunner
	PollInterval time.Duration
	// CommitTimeout bounds the wait for a commit acknowledgement. Zero waits
	// until the job is cancelled.
	CommitTimeout time.Duration
	Now           func() time.Time
	// OnTerminal runs once, synchronously, when the job latches and before
	// waiters on Done are released.
	OnTerminal func(models.JobStatus)
	// Persist receives log records the job synthesizes itself.
	Persist func([]models.ItemStatus)
}

type item struct {
	status models.ItemStatus
}

// pageGroup tracks the pages split out of one parent item.
type pageGroup struct {
	total     int
	done      int
	delivered int
	failed    *models.ItemStatus
}

// Job is one run of an edition.
type Job struct {
	id      int64
	edition models.Edition
	deps    Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      models.JobState
	counts     [models.CountFailed + 1]int
	total      int
	expected   int
	start      time.Time
	finished   time.Time
	messages   []string
	taskFailed bool
	commitErr  bool
	items      map[int64]*item
	pages      map[int64]*pageGroup

	commitAck chan bool
	promise   *future.Promise[models.JobStatus]
	done      *future.Future[models.JobStatus]
}

// New creates a job in the INITIAL state. Call Run to drive it.
func New(id int64, ed models.Edition, deps Deps) *Job {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 250 * time.Millisecond
	}
	if deps.Validator == nil {
		deps.Validator = DefaultValidator
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := future.NewPromise[models.JobStatus]()
	return &Job{
		id:        id,
		edition:   ed,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		state:     models.JobInitial,
		start:     deps.Now(),
		items:     make(map[int64]*item),
		pages:     make(map[int64]*pageGroup),
		commitAck: make(chan bool, 1),
		promise:   p,
		done:      p.Future(),
	}
}

func (j *Job) ID() int64 { return j.id }

func (j *Job) Edition() models.Edition { return j.edition }

// Done resolves exactly once with the terminal snapshot.
func (j *Job) Done() *future.Future[models.JobStatus] { return j.done }

// Context is cancelled once the job is cancelled or finishes.
func (j *Job) Context() context.Context { return j.ctx }

// Cancelled reports whether producers and consumers should drop work for this job.
func (j *Job) Cancelled() bool { return j.ctx.Err() != nil }

func (j *Job) State() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Status returns an independent copy of the job's progress.
func (j *Job) Status() models.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// JobStatus satisfies tasks.StatusCallback.
func (j *Job) JobStatus() models.JobStatus { return j.Status() }

// ItemStatuses returns the latest known record of every item.
func (j *Job) ItemStatuses() []models.ItemStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.ItemStatus, 0, len(j.items))
	for _, it := range j.items {
		out = append(out, it.status.Clone())
	}
	return out
}

// FinishedAt is when the job latched, zero while it is still running.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

func (j *Job) snapshotLocked() models.JobStatus {
	end := j.deps.Now()
	if !j.finished.IsZero() {
		end = j.finished
	}
	return models.JobStatus{
		JobID:               j.id,
		EditionID:           j.edition.ID,
		SiteID:              j.edition.SiteID,
		State:               j.state,
		QueuedForAssembly:   j.counts[models.CountQueued],
		Assembled:           j.counts[models.CountAssembled],
		Failed:              j.counts[models.CountFailed],
		PreparedForDelivery: j.counts[models.CountPrepared],
		Delivered:           j.counts[models.CountDelivered],
		TotalItems:          j.total,
		StartTime:           j.start,
		Elapsed:             end.Sub(j.start),
		Messages:            append([]string(nil), j.messages...),
	}
}

// Cancel injects an external termination. Only CANCELLED and ABORTED are accepted.
func (j *Job) Cancel(state models.JobState, reason string) bool {
	if state != models.JobCancelled && state != models.JobAborted {
		state = models.JobCancelled
	}
	return j.finish(state, reason)
}

// AckCommit records the outcome of the transactional commit. An error counts
// against the job whenever it arrives, but only an ack received in COMMITTING
// releases the job to post-tasks. It reports false once the job has latched.
func (j *Job) AckCommit(hasError bool) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	if hasError && !j.commitErr {
		j.commitErr = true
		j.messages = append(j.messages, "commit acknowledged with errors")
	}
	committing := j.state == models.JobCommitting
	j.mu.Unlock()

	if committing {
		select {
		case j.commitAck <- hasError:
		default:
		}
	}
	return true
}

// transition moves a running job to next. It fails once the job has latched.
func (j *Job) transition(next models.JobState) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	prev := j.state
	j.state = next
	j.mu.Unlock()

	log.Info().
		Int64("job_id", j.id).
		Int64("edition_id", j.edition.ID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Publishing job state changed")
	return true
}

// finish latches the job into a terminal state. Only the first call wins.
func (j *Job) finish(state models.JobState, reason string) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	prev := j.state
	j.state = state
	j.finished = j.deps.Now()
	if reason != "" {
		j.messages = append(j.messages, reason)
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.cancel()
	log.Info().
		Int64("job_id", j.id).
		Int64("edition_id", j.edition.ID).
		Str("from", string(prev)).
		Str("to", string(state)).
		Int("delivered", snap.Delivered).
		Int("failed", snap.Failed).
		Dur("elapsed", snap.Elapsed).
		Msg("Publishing job finished")

	if j.deps.OnTerminal != nil {
		j.deps.OnTerminal(snap)
	}
	j.promise.Set(snap, nil)
	return true
}

// Run drives the job to a terminal state. It is meant to run on its own goroutine.
func (j *Job) Run() {
	ctx := j.ctx
	if j.State().Terminal() {
		return
	}

	if st := j.deps.Validator(ctx, j.edition); st != "" {
		if !st.Validation() {
			st = models.JobInvalid
		}
		j.finish(st, fmt.Sprintf("edition %d failed validation", j.edition.ID))
		return
	}

	if !j.transition(models.JobPreTasks) {
		return
	}
	if j.deps.Tasks != nil {
		j.recordTaskFailures(j.deps.Tasks.RunPre(ctx, j.edition, j.id, j.start, j))
	}

	if !j.transition(models.JobQueueing) {
		return
	}
	queued := 0
	if j.deps.Queuer != nil {
		n, err := j.deps.Queuer.Queue(ctx, j.id, j.edition)
		if err != nil {
			if !j.Cancelled() {
				j.finish(models.JobAborted, fmt.Sprintf("queue content lists: %v", err))
			}
			return
		}
		queued = n
	}
	j.mu.Lock()
	j.expected = queued
	j.mu.Unlock()

	if !j.transition(models.JobWorking) {
		return
	}
	if !j.await(ctx, j.workDrained) {
		return
	}

	if !j.transition(models.JobCommitting) {
		return
	}
	if !j.commit(ctx) {
		return
	}

	if !j.transition(models.JobPostTasks) {
		return
	}
	if j.deps.Tasks != nil {
		end := j.deps.Now()
		success := j.succeeded()
		j.recordTaskFailures(j.deps.Tasks.RunPost(ctx, j.edition, j.id, j.start, end, success, j))
	}

	if j.succeeded() {
		j.finish(models.JobCompleted, "")
	} else {
		j.finish(models.JobCompletedWithFailure, "")
	}
}

func (j *Job) recordTaskFailures(failures []tasks.Failure) {
	if len(failures) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.taskFailed = true
	for _, f := range failures {
		j.messages = append(j.messages, f.Error())
	}
}

func (j *Job) succeeded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[models.CountFailed] == 0 && !j.taskFailed && !j.commitErr
}

// workDrained is true once every queued item is terminal. Paged parents are
// settled once assembly has drained; a parent still waiting on pages, or not
// yet given any, holds the job in WORKING.
func (j *Job) workDrained() bool {
	j.mu.Lock()
	var settled []models.ItemStatus
	drained := false
	if j.total >= j.expected &&
		j.counts[models.CountQueued] == 0 &&
		j.counts[models.CountAssembled] == 0 {
		// Settling a nested page can make its own parent settle.
		for {
			batch := j.settlePagesLocked()
			if len(batch) == 0 {
				break
			}
			settled = append(settled, batch...)
		}
		drained = j.counts[models.CountPrepared] == 0
	}
	j.mu.Unlock()

	if len(settled) > 0 && j.deps.Persist != nil {
		j.deps.Persist(settled)
	}
	return drained
}

func (j *Job) await(ctx context.Context, cond func() bool) bool {
	if cond() {
		return true
	}
	ticker := time.NewTicker(j.deps.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

func (j *Job) commit(ctx context.Context) bool {
	if j.deps.Committer == nil {
		return true
	}
	if err := j.deps.Committer.Commit(ctx, j.id); err != nil {
		if j.Cancelled() {
			return false
		}
		j.markCommitError(fmt.Sprintf("commit: %v", err))
		return true
	}
	var timeout <-chan time.Time
	if j.deps.CommitTimeout > 0 {
		timer := time.NewTimer(j.deps.CommitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-j.commitAck:
		// AckCommit has already recorded an error outcome.
		return true
	case <-timeout:
		j.markCommitError(fmt.Sprintf("commit not acknowledged within %s", j.deps.CommitTimeout))
		return true
	}
}

func (j *Job) markCommitError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commitErr = true
	j.messages = append(j.messages, msg)
}

// DefaultValidator rejects editions with no destination and staging editions
// with nowhere to stage.
func DefaultValidator(_ context.Context, ed models.Edition) models.JobState {
	if ed.Destination == "" {
		return models.JobBadConfig
	}
	if ed.Type == models.EditionStagingPublish && !ed.HasStagingServers {
		return models.JobNoStagingServers
	}
	return ""
}
