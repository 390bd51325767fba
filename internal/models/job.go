package models

import (
	"time"
)

// JobState enumerates the lifecycle of a publishing job.
type JobState string

const (
	JobInitial              JobState = "INITIAL"
	JobBadConfig            JobState = "BADCONFIG"
	JobPubServerNewDBConfig JobState = "PUBSERVERNEWDBCONFIG"
	JobBadConfigMultiSites  JobState = "BADCONFIGMULTIPLESITES"
	JobForbidden            JobState = "FORBIDDEN"
	JobInvalid              JobState = "INVALID"
	JobNoStagingServers     JobState = "NOSTAGING_SERVERS"
	JobPreTasks             JobState = "PRETASKS"
	JobQueueing             JobState = "QUEUEING"
	JobWorking              JobState = "WORKING"
	JobCommitting           JobState = "COMMITTING"
	JobPostTasks            JobState = "POSTTASKS"
	JobCancelled            JobState = "CANCELLED"
	JobAborted              JobState = "ABORTED"
	JobRestartNeeded        JobState = "RESTARTNEEDED"
	JobCompleted            JobState = "COMPLETED"
	JobCompletedWithFailure JobState = "COMPLETED_W_FAILURE"
	JobInactive             JobState = "INACTIVE"
)

type jobStateInfo struct {
	terminal   bool
	validation bool
	maxPercent int
}

// jobStates is the single table of per-state behavior.
var jobStates = map[JobState]jobStateInfo{
	JobInitial:              {maxPercent: 0},
	JobBadConfig:            {terminal: true, validation: true, maxPercent: 100},
	JobPubServerNewDBConfig: {terminal: true, validation: true, maxPercent: 100},
	JobBadConfigMultiSites:  {terminal: true, validation: true, maxPercent: 100},
	JobForbidden:            {terminal: true, validation: true, maxPercent: 100},
	JobInvalid:              {terminal: true, validation: true, maxPercent: 100},
	JobNoStagingServers:     {terminal: true, validation: true, maxPercent: 100},
	JobPreTasks:             {maxPercent: 5},
	JobQueueing:             {maxPercent: 10},
	JobWorking:              {maxPercent: 90},
	JobCommitting:           {maxPercent: 95},
	JobPostTasks:            {maxPercent: 99},
	JobCancelled:            {terminal: true, maxPercent: 100},
	JobAborted:              {terminal: true, maxPercent: 100},
	JobRestartNeeded:        {terminal: true, maxPercent: 100},
	JobCompleted:            {terminal: true, maxPercent: 100},
	JobCompletedWithFailure: {terminal: true, maxPercent: 100},
	JobInactive:             {terminal: true, maxPercent: 100},
}

// Terminal reports whether the state latches. Unknown states are treated as terminal.
func (s JobState) Terminal() bool {
	info, ok := jobStates[s]
	return !ok || info.terminal
}

// Validation reports whether the state is a pre-flight validation failure.
func (s JobState) Validation() bool {
	return jobStates[s].validation
}

// MaxPercent is the display-progress ceiling for the state.
func (s JobState) MaxPercent() int {
	info, ok := jobStates[s]
	if !ok {
		return 100
	}
	return info.maxPercent
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	_, ok := jobStates[s]
	return ok
}

// JobStatus is a point-in-time copy of a publishing job.
type JobStatus struct {
	JobID               int64         `json:"job_id"`
	EditionID           int64         `json:"edition_id"`
	SiteID              int64         `json:"site_id,omitempty"`
	State               JobState      `json:"state"`
	QueuedForAssembly   int           `json:"queued_for_assembly"`
	Assembled           int           `json:"assembled"`
	Failed              int           `json:"failed"`
	PreparedForDelivery int           `json:"prepared_for_delivery"`
	Delivered           int           `json:"delivered"`
	TotalItems          int           `json:"total_items"`
	StartTime           time.Time     `json:"start_time"`
	Elapsed             time.Duration `json:"elapsed"`
	Messages            []string      `json:"messages,omitempty"`
}

func (s JobStatus) CountItemsDelivered() int { return s.Delivered }

func (s JobStatus) CountFailedItems() int { return s.Failed }

// Percent is the progress to show in a UI. Raw counters are only used while
// WORKING, when the total item count is known.
func (s JobStatus) Percent() int {
	if s.State != JobWorking || s.TotalItems == 0 {
		return s.State.MaxPercent()
	}
	floor := JobQueueing.MaxPercent()
	done := s.Failed + s.Delivered + s.PreparedForDelivery
	return floor + (s.State.MaxPercent()-floor)*done/s.TotalItems
}

// Balanced reports whether the counters add up to the total.
func (s JobStatus) Balanced() bool {
	return s.TotalItems == s.QueuedForAssembly+s.Assembled+s.Failed+s.PreparedForDelivery+s.Delivered
}
