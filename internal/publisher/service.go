// Package publisher is the entry point for starting, observing and feeding
// publishing jobs.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/archive"
	"edition-publisher/internal/config"
	"edition-publisher/internal/demand"
	"edition-publisher/internal/job"
	"edition-publisher/internal/models"
	"edition-publisher/internal/ratelimit"
	"edition-publisher/internal/registry"
	"edition-publisher/internal/statusbuf"
	"edition-publisher/internal/store"
	"edition-publisher/internal/telemetry"
)

var (
	ErrEditionActive   = registry.ErrEditionActive
	ErrJobNotFound     = errors.New("publishing job not found")
	ErrJobFinished     = errors.New("publishing job already finished")
	ErrEditionNotFound = errors.New("edition not found")
	ErrDemandNotFound  = errors.New("demand request not found")
	ErrRateLimited     = errors.New("too many demand requests for edition")
	ErrInvalidEdition  = errors.New("invalid edition definition")
)

// LogStore is the long-term publish log.
type LogStore interface {
	NextJobID(ctx context.Context) (int64, error)
	NextReferenceIDs(ctx context.Context, n int) ([]int64, error)
	SaveStatuses(ctx context.Context, batch []models.ItemStatus) (int, error)
	ListStatuses(ctx context.Context, jobID int64) ([]models.ItemStatus, error)
	SaveJobSummary(ctx context.Context, st models.JobStatus) error
	JobSummary(ctx context.Context, jobID int64) (models.JobStatus, error)
}

// EditionCatalog resolves and stores edition definitions.
type EditionCatalog interface {
	Edition(ctx context.Context, id int64) (models.Edition, error)
	PutEdition(ctx context.Context, ed models.Edition) error
}

// Callback receives the terminal snapshot of a job.
type Callback func(models.JobStatus)

// RequestContext carries what is needed to build links back to this server.
type RequestContext struct {
	BaseURL string
}

// Options wires a Service. Store and Catalog are required.
type Options struct {
	Config    config.Config
	Store     LogStore
	Catalog   EditionCatalog
	Demand    demand.Queue
	Limiter   ratelimit.Limiter
	Tasks     job.TaskRunner
	Queuer    job.Queuer
	Committer job.Committer
	Validator job.Validator
	Archive   *archive.Writer
	Now       func() time.Time
}

// Service is the publisher. It is safe for concurrent use.
type Service struct {
	cfg       config.Config
	store     LogStore
	catalog   EditionCatalog
	registry  *registry.Registry
	buffer    *statusbuf.Buffer
	demand    demand.Queue
	tracker   *demand.Tracker
	limiter   ratelimit.Limiter
	tasks     job.TaskRunner
	queuer    job.Queuer
	committer job.Committer
	validator job.Validator
	archive   *archive.Writer
	now       func() time.Time
}

func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Demand == nil {
		opts.Demand = demand.NewMemoryQueue()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}
	if opts.Archive == nil {
		opts.Archive = archive.NewWriter(opts.Config.ArchiveDir, nil)
	}
	if opts.Config.DemandGenerator == "" {
		opts.Config.DemandGenerator = config.DefaultDemandGenerator
	}
	s := &Service{
		cfg:       opts.Config,
		store:     opts.Store,
		catalog:   opts.Catalog,
		registry:  registry.New(opts.Config.ReapTime, opts.Now),
		buffer:    statusbuf.New(opts.Config.FlushBatchSize),
		demand:    opts.Demand,
		tracker:   demand.NewTracker(),
		limiter:   opts.Limiter,
		tasks:     opts.Tasks,
		queuer:    opts.Queuer,
		committer: opts.Committer,
		validator: opts.Validator,
		archive:   opts.Archive,
		now:       opts.Now,
	}
	s.registry.OnRemove(func(jobID int64) { s.tracker.Forget(jobID) })
	return s
}

// SetQueuer installs the content list driver after construction, for queuers
// that report back through the service itself.
func (s *Service) SetQueuer(q job.Queuer) { s.queuer = q }

// SetCommitter installs the delivery committer after construction, for
// committers that acknowledge through the service itself.
func (s *Service) SetCommitter(c job.Committer) { s.committer = c }

// StartPublishingJob launches a job for the edition and returns its id.
// cb, if not nil, is called once with the terminal snapshot.
func (s *Service) StartPublishingJob(ctx context.Context, editionID int64, cb Callback) (int64, error) {
	ed, err := s.edition(ctx, editionID)
	if err != nil {
		return 0, err
	}
	if holder := s.registry.EditionJob(editionID); holder != 0 {
		telemetry.JobsRejected.Inc()
		return 0, fmt.Errorf("edition %d is running job %d: %w", editionID, holder, ErrEditionActive)
	}
	jobID, err := s.store.NextJobID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate job id: %w", err)
	}

	j := job.New(jobID, ed, job.Deps{
		Queuer:        s.queuer,
		Committer:     s.committer,
		Validator:     s.validator,
		Tasks:         s.tasks,
		PollInterval:  s.cfg.JobPollInterval,
		CommitTimeout: s.cfg.CommitTimeout,
		Now:           s.now,
		OnTerminal:    s.onTerminal,
		Persist:       s.enqueue,
	})
	if err := s.registry.Register(j); err != nil {
		telemetry.JobsRejected.Inc()
		return 0, fmt.Errorf("edition %d: %w", editionID, err)
	}
	telemetry.JobsStarted.Inc()
	telemetry.ActiveJobs.Inc()

	log.Info().Int64("job_id", jobID).Int64("edition_id", editionID).Str("edition", ed.Name).Msg("Starting publishing job")
	go j.Run()
	if cb != nil {
		go func() {
			st, err := j.Done().Get()
			if err != nil {
				log.Error().Err(err).Int64("job_id", jobID).Msg("Publishing job resolved with error")
				return
			}
			cb(st)
		}()
	}
	return jobID, nil
}

// onTerminal runs once per job before its waiters are released.
func (s *Service) onTerminal(st models.JobStatus) {
	s.registry.Release(st.EditionID, st.JobID)
	telemetry.ActiveJobs.Dec()
	telemetry.JobsFinished.WithLabelValues(string(st.State)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveJobSummary(ctx, st); err != nil {
		log.Warn().Err(err).Int64("job_id", st.JobID).Msg("Failed to save job summary")
	}
}

func (s *Service) edition(ctx context.Context, editionID int64) (models.Edition, error) {
	ed, err := s.catalog.Edition(ctx, editionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Edition{}, fmt.Errorf("edition %d: %w", editionID, ErrEditionNotFound)
	}
	if err != nil {
		return models.Edition{}, fmt.Errorf("load edition %d: %w", editionID, err)
	}
	return ed, nil
}

// PutEdition adds or replaces an edition definition. Running jobs keep the
// definition they started with.
func (s *Service) PutEdition(ctx context.Context, ed models.Edition) error {
	if ed.ID <= 0 {
		return fmt.Errorf("edition id %d: %w", ed.ID, ErrInvalidEdition)
	}
	if ed.Name == "" {
		return fmt.Errorf("edition %d has no name: %w", ed.ID, ErrInvalidEdition)
	}
	if ed.Type == "" {
		ed.Type = models.EditionPublish
	}
	if err := s.catalog.PutEdition(ctx, ed); err != nil {
		return fmt.Errorf("save edition %d: %w", ed.ID, err)
	}
	log.Info().Int64("edition_id", ed.ID).Str("edition", ed.Name).Int("content_lists", len(ed.ContentLists)).Msg("Edition saved")
	return nil
}

// NextReferenceIDs allocates n item reference ids that are never reused,
// for workers that split items into pages.
func (s *Service) NextReferenceIDs(ctx context.Context, n int) ([]int64, error) {
	ids, err := s.store.NextReferenceIDs(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("allocate reference ids: %w", err)
	}
	return ids, nil
}

func (s *Service) job(jobID int64) (*job.Job, error) {
	j, ok := s.registry.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}
	return j, nil
}

// GetPublishingJobStatus returns a snapshot the caller owns.
func (s *Service) GetPublishingJobStatus(jobID int64) (models.JobStatus, error) {
	j, err := s.job(jobID)
	if err != nil {
		return models.JobStatus{}, err
	}
	return j.Status(), nil
}

// IsJobActive reports whether this node is running the job. Other nodes are not consulted.
func (s *Service) IsJobActive(jobID int64) bool {
	j, ok := s.registry.Get(jobID)
	return ok && !j.State().Terminal()
}

// CancelPublishingJob stops a job. Cancelling a finished job is a no-op.
func (s *Service) CancelPublishingJob(jobID int64) error {
	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if j.Cancel(models.JobCancelled, "cancelled by request") {
		log.Info().Int64("job_id", jobID).Msg("Publishing job cancelled")
	}
	return nil
}

// GetEditionJobID is the edition's running job, or 0.
func (s *Service) GetEditionJobID(editionID int64) int64 {
	return s.registry.EditionJob(editionID)
}

// GetJobEditionID is the edition of a known job.
func (s *Service) GetJobEditionID(jobID int64) (int64, bool) {
	return s.registry.JobEdition(jobID)
}

// RemovePublishingJobStatus forgets a job, cancelling it first if it is still running.
func (s *Service) RemovePublishingJobStatus(jobID int64) error {
	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	j.Cancel(models.JobCancelled, "job status removed")
	s.registry.Remove(jobID)
	return nil
}

// GetActiveJobIDs lists jobs known to this node, optionally for one site
// (siteID 0 means all). Jobs finished longer than the reap time ago are dropped.
func (s *Service) GetActiveJobIDs(siteID int64) []int64 {
	return s.registry.JobIDs(siteID)
}

// AcknowledgeJobCommit reports that the job's delivery commit finished. An
// error outcome marks the job failed even if it arrives before COMMITTING.
func (s *Service) AcknowledgeJobCommit(jobID int64, hasError bool) error {
	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if !j.AckCommit(hasError) {
		return fmt.Errorf("job %d is %s: %w", jobID, j.State(), ErrJobFinished)
	}
	log.Info().Int64("job_id", jobID).Bool("has_error", hasError).Msg("Commit acknowledged")
	return nil
}

// QueueDemandWork queues out-of-band items against an edition and returns a
// request id for polling. An empty generator means the configured default.
func (s *Service) QueueDemandWork(ctx context.Context, editionID int64, work models.DemandWork, generator string) (string, error) {
	if generator == "" {
		generator = s.cfg.DemandGenerator
	}
	ed, err := s.edition(ctx, editionID)
	if err != nil {
		return "", err
	}
	if err := demand.Validate(ed, generator); err != nil {
		return "", err
	}
	allowed, err := s.limiter.Allow(ctx, editionID)
	if err != nil {
		log.Warn().Err(err).Int64("edition_id", editionID).Msg("Rate limiter unavailable, accepting demand work")
	} else if !allowed {
		telemetry.RateLimitRejects.Inc()
		return "", fmt.Errorf("edition %d: %w", editionID, ErrRateLimited)
	}

	req := s.tracker.NewRequest(editionID)
	work.RequestID = req.ID
	work.EditionID = editionID
	work.Generator = generator
	work.SubmittedAt = s.now()
	if err := s.demand.Push(ctx, work); err != nil {
		s.tracker.Drop(req.ID)
		return "", fmt.Errorf("queue demand work: %w", err)
	}
	telemetry.DemandQueued.Inc()
	log.Debug().Str("request_id", req.ID).Int64("edition_id", editionID).Int("items", len(work.Items)).Msg("Queued demand work")
	return req.ID, nil
}

// GetDemandWorkForEdition drains the edition's demand queue. Drained requests
// are attributed to the edition's running job.
func (s *Service) GetDemandWorkForEdition(ctx context.Context, editionID int64) ([]models.DemandWork, error) {
	work, err := s.demand.DrainAll(ctx, editionID)
	if err != nil {
		return nil, fmt.Errorf("drain demand work: %w", err)
	}
	if jobID := s.registry.EditionJob(editionID); jobID != 0 {
		for _, w := range work {
			s.tracker.Claim(w.RequestID, jobID)
		}
	}
	return work, nil
}

// GetDemandRequestJob is the job that picked up the request, if any yet.
func (s *Service) GetDemandRequestJob(requestID string) (int64, bool) {
	req, ok := s.tracker.Get(requestID)
	if !ok || req.JobID == 0 {
		return 0, false
	}
	return req.JobID, true
}

// GetDemandWorkStatus is the state of the job handling the request. It is
// empty while no job has claimed the request and INACTIVE once that job is gone.
func (s *Service) GetDemandWorkStatus(requestID string) (models.JobState, error) {
	req, ok := s.tracker.Get(requestID)
	if !ok {
		return "", fmt.Errorf("request %s: %w", requestID, ErrDemandNotFound)
	}
	if req.JobID == 0 {
		return "", nil
	}
	j, ok := s.registry.Get(req.JobID)
	if !ok {
		return models.JobInactive, nil
	}
	return j.State(), nil
}

// UpdateItemState applies a worker's status report. It never waits on
// storage; persistable records are buffered for the flusher. It reports
// whether the job was known.
func (s *Service) UpdateItemState(status models.ItemStatus) bool {
	if !status.State.Valid() {
		telemetry.ItemsDropped.Inc()
		log.Warn().Int64("job_id", status.JobID).Int64("reference_id", status.ReferenceID).Str("state", string(status.State)).Msg("Dropping item status with unknown state")
		return false
	}
	if status.OrphanPage() {
		telemetry.ItemsDropped.Inc()
		log.Warn().Int64("job_id", status.JobID).Int64("reference_id", status.ReferenceID).Int("page", status.Page).Msg("Dropping page status without a parent reference")
		return false
	}
	telemetry.ItemUpdates.WithLabelValues(string(status.State)).Inc()
	j, ok := s.registry.Get(status.JobID)
	if !ok {
		telemetry.ItemsDropped.Inc()
		log.Debug().Int64("job_id", status.JobID).Int64("reference_id", status.ReferenceID).Msg("Dropping item status for unknown job")
		return false
	}
	s.enqueue(j.Apply(status))
	return true
}

func (s *Service) enqueue(records []models.ItemStatus) {
	depth := 0
	for _, rec := range records {
		depth = s.buffer.Push(rec)
	}
	if len(records) > 0 {
		telemetry.BufferDepth.Set(float64(depth))
	}
}

// Pending is the number of buffered records not yet written.
func (s *Service) Pending() int { return s.buffer.Len() }

// Ready fires when enough records are buffered to be worth flushing early.
func (s *Service) Ready() <-chan struct{} { return s.buffer.Ready() }

// FlushPending writes one batch of buffered records. Records the store did not
// accept go back to the head of the buffer.
func (s *Service) FlushPending(ctx context.Context) (int, error) {
	batch := s.buffer.Drain(s.cfg.FlushBatchSize)
	if len(batch) == 0 {
		return 0, nil
	}
	n, err := s.FlushStatusToDatabase(ctx, batch)
	if n < len(batch) {
		s.buffer.Requeue(batch[n:])
	}
	telemetry.BufferDepth.Set(float64(s.buffer.Len()))
	return n, err
}

// FlushStatusToDatabase writes a batch to the publish log and returns how many
// records were written.
func (s *Service) FlushStatusToDatabase(ctx context.Context, batch []models.ItemStatus) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	n, err := s.store.SaveStatuses(ctx, batch)
	if n < 0 {
		n = 0
	}
	telemetry.RecordsFlushed.Add(float64(n))
	if n < len(batch) {
		telemetry.FlushShortfall.Add(float64(len(batch) - n))
		log.Warn().Err(err).Int("written", n).Int("batch", len(batch)).Msg("Publish log flush was partial")
		if err == nil {
			err = fmt.Errorf("wrote %d of %d status records", n, len(batch))
		}
	}
	return n, err
}

// Drain flushes until the buffer is empty or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	for s.buffer.Len() > 0 {
		if _, err := s.FlushPending(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ArchivePubLog writes the job's persisted log to an XML archive. It returns
// a link to the archive when rc is given, otherwise "".
func (s *Service) ArchivePubLog(ctx context.Context, jobID int64, rc *RequestContext) (string, error) {
	var summary *models.JobStatus
	if j, ok := s.registry.Get(jobID); ok {
		st := j.Status()
		summary = &st
	} else if st, err := s.store.JobSummary(ctx, jobID); err == nil {
		summary = &st
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load job summary: %w", err)
	}

	statuses, err := s.store.ListStatuses(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load publish log: %w", err)
	}
	if summary == nil && len(statuses) == 0 {
		return "", fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}

	name, err := s.archive.Write(ctx, jobID, summary, statuses)
	if err != nil {
		return "", err
	}
	log.Info().Int64("job_id", jobID).Str("file", name).Int("records", len(statuses)).Msg("Archived publish log")
	if rc == nil {
		return "", nil
	}
	return archive.URL(rc.BaseURL, name), nil
}

// Shutdown cancels running jobs and flushes what is buffered.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, id := range s.registry.JobIDs(0) {
		if j, ok := s.registry.Get(id); ok {
			j.Cancel(models.JobAborted, "publisher shutting down")
		}
	}
	return s.Drain(ctx)
}
