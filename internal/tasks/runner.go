// Package tasks runs the hooks registered around an edition's main work.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/models"
)

// StatusCallback gives post-edition tasks read access to the job's progress.
type StatusCallback interface {
	JobStatus() models.JobStatus
	ItemStatuses() []models.ItemStatus
}

// Params is what a task receives. EndTime, Duration and Success are zero for
// pre-edition runs.
type Params struct {
	Edition   models.Edition
	SiteID    int64
	StartTime time.Time
	EndTime   time.Time
	JobID     int64
	Duration  time.Duration
	Success   bool
	Params    map[string]string
	Status    StatusCallback
}

// Task is an edition task implementation.
type Task interface {
	Perform(ctx context.Context, p Params) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, p Params) error

func (f TaskFunc) Perform(ctx context.Context, p Params) error { return f(ctx, p) }

// Failure records one task that did not complete.
type Failure struct {
	Task string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("edition task %q: %v", f.Task, f.Err)
}

// Runner resolves an edition's task bindings to registered implementations.
type Runner struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRunner() *Runner {
	return &Runner{tasks: make(map[string]Task)}
}

// Register binds a task implementation to a name.
func (r *Runner) Register(name string, task Task) {
	if name == "" || task == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = task
}

// RunPre runs the edition's pre-edition tasks.
func (r *Runner) RunPre(ctx context.Context, ed models.Edition, jobID int64, start time.Time, status StatusCallback) []Failure {
	base := Params{
		Edition:   ed,
		SiteID:    ed.SiteID,
		StartTime: start,
		JobID:     jobID,
		Status:    status,
	}
	return r.run(ctx, ed, models.TaskPhase.RunsPre, base)
}

// RunPost runs the edition's post-edition tasks. Every task runs even when an
// earlier one fails.
func (r *Runner) RunPost(ctx context.Context, ed models.Edition, jobID int64, start, end time.Time, success bool, status StatusCallback) []Failure {
	base := Params{
		Edition:   ed,
		SiteID:    ed.SiteID,
		StartTime: start,
		EndTime:   end,
		JobID:     jobID,
		Duration:  end.Sub(start),
		Success:   success,
		Status:    status,
	}
	return r.run(ctx, ed, models.TaskPhase.RunsPost, base)
}

func (r *Runner) run(ctx context.Context, ed models.Edition, phase func(models.TaskPhase) bool, base Params) []Failure {
	bindings := make([]models.EditionTask, 0, len(ed.Tasks))
	for _, b := range ed.Tasks {
		if phase(b.Phase) {
			bindings = append(bindings, b)
		}
	}
	sort.SliceStable(bindings, func(i, k int) bool { return bindings[i].Sequence < bindings[k].Sequence })

	var failures []Failure
	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			failures = append(failures, Failure{Task: b.Name, Err: err})
			break
		}
		p := base
		p.Params = copyParams(b.Params)
		if err := r.perform(ctx, b.Name, p); err != nil {
			log.Warn().
				Err(err).
				Int64("job_id", base.JobID).
				Int64("edition_id", ed.ID).
				Str("task", b.Name).
				Str("phase", string(b.Phase)).
				Msg("Edition task failed")
			failures = append(failures, Failure{Task: b.Name, Err: err})
		}
	}
	return failures
}

func (r *Runner) perform(ctx context.Context, name string, p Params) (err error) {
	r.mu.RLock()
	task, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no task registered for %q", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return task.Perform(ctx, p)
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
