package job

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/models"
)

// Apply folds one item status into the job's counters. It returns the records
// that should go to the long-term log, which can include a parent record
// updated by page roll-up. Updates to a latched job or a latched item are dropped.
func (j *Job) Apply(s models.ItemStatus) []models.ItemStatus {
	if !s.State.Valid() {
		log.Warn().Int64("job_id", j.id).Int64("reference_id", s.ReferenceID).Str("state", string(s.State)).Msg("Dropping item status with unknown state")
		return nil
	}
	if s.OrphanPage() {
		log.Warn().Int64("job_id", j.id).Int64("reference_id", s.ReferenceID).Int("page", s.Page).Msg("Dropping page status without a parent reference")
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		log.Debug().Int64("job_id", j.id).Int64("reference_id", s.ReferenceID).Str("job_state", string(j.state)).Msg("Dropping item status for finished job")
		return nil
	}
	return j.applyLocked(s)
}

func (j *Job) applyLocked(s models.ItemStatus) []models.ItemStatus {
	it, seen := j.items[s.ReferenceID]
	if seen && it.status.State.Terminal() {
		return nil
	}
	if !seen {
		it = &item{}
		j.items[s.ReferenceID] = it
		j.total++
	} else {
		j.counts[it.status.State.Counter()]--
	}
	j.counts[s.State.Counter()]++
	it.status = s.Clone()

	var out []models.ItemStatus
	if s.State.Persistable() {
		out = append(out, it.status.Clone())
	}

	if s.IsPage() {
		group := j.pageGroupLocked(s.ParentPageReferenceID)
		if !seen {
			group.total++
		}
		if s.State.Terminal() {
			group.done++
			if s.State == models.ItemDelivered {
				group.delivered++
			}
			if s.State == models.ItemFailed && group.failed == nil {
				failed := it.status.Clone()
				group.failed = &failed
			}
		}
		out = append(out, j.rollupLocked(s.ParentPageReferenceID)...)
	}

	// A parent can be reported after its pages have already settled.
	if _, ok := j.pages[s.ReferenceID]; ok && !s.State.Terminal() {
		out = append(out, j.rollupLocked(s.ReferenceID)...)
	}
	return out
}

func (j *Job) pageGroupLocked(parent int64) *pageGroup {
	group, ok := j.pages[parent]
	if !ok {
		group = &pageGroup{}
		j.pages[parent] = group
	}
	return group
}

// rollupLocked fails a parent as soon as one of its pages has failed.
func (j *Job) rollupLocked(parent int64) []models.ItemStatus {
	p, ok := j.items[parent]
	if !ok || p.status.State.Terminal() {
		return nil
	}
	group := j.pages[parent]
	if group == nil || group.failed == nil {
		return nil
	}

	next := p.status.Clone()
	next.State = models.ItemFailed
	next.Messages = append(next.Messages, fmt.Sprintf("page %d (reference %d) failed", group.failed.Page, group.failed.ReferenceID))
	next.Messages = append(next.Messages, group.failed.Messages...)
	return j.applyLocked(next)
}

// settlePagesLocked completes paged parents whose pages are all terminal. It
// only runs once assembly has drained, when no further pages can appear.
// A parent is delivered when every page was, and cancelled otherwise. A
// parent with no pages reported stays PAGED.
func (j *Job) settlePagesLocked() []models.ItemStatus {
	var out []models.ItemStatus
	for ref, group := range j.pages {
		p, ok := j.items[ref]
		if !ok || p.status.State != models.ItemPaged || group.total == 0 || group.done < group.total {
			continue
		}
		next := p.status.Clone()
		next.State = models.ItemDelivered
		if group.delivered < group.total {
			next.State = models.ItemCancelled
			next.Messages = append(next.Messages, fmt.Sprintf("%d of %d pages delivered", group.delivered, group.total))
		}
		out = append(out, j.applyLocked(next)...)
	}
	return out
}
