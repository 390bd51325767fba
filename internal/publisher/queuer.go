package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/models"
)

// Generator enumerates the items of one content list.
type Generator interface {
	Generate(ctx context.Context, ed models.Edition, list models.EditionContentList) ([]models.DemandItem, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, ed models.Edition, list models.EditionContentList) ([]models.DemandItem, error)

func (f GeneratorFunc) Generate(ctx context.Context, ed models.Edition, list models.EditionContentList) ([]models.DemandItem, error) {
	return f(ctx, ed, list)
}

// Dispatcher hands a queued item to the assembly subsystem.
type Dispatcher interface {
	Dispatch(ctx context.Context, item models.ItemStatus) error
}

// ContentListQueuer drives an edition's content lists during QUEUEING. Lists
// using the demand generator are fed from the demand queue; other lists are
// resolved through registered generators.
type ContentListQueuer struct {
	svc        *Service
	dispatcher Dispatcher

	mu         sync.RWMutex
	generators map[string]Generator
}

func NewContentListQueuer(svc *Service, dispatcher Dispatcher) *ContentListQueuer {
	return &ContentListQueuer{
		svc:        svc,
		dispatcher: dispatcher,
		generators: make(map[string]Generator),
	}
}

// Register binds a generator name used by edition content lists.
func (q *ContentListQueuer) Register(name string, g Generator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generators[name] = g
}

// Queue reports every item of every content list as QUEUED and dispatches it.
func (q *ContentListQueuer) Queue(ctx context.Context, jobID int64, ed models.Edition) (int, error) {
	lists := append([]models.EditionContentList(nil), ed.ContentLists...)
	sort.SliceStable(lists, func(i, k int) bool { return lists[i].Sequence < lists[k].Sequence })

	queued := 0
	demandDrained := false
	for _, list := range lists {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if list.Generator == q.svc.cfg.DemandGenerator {
			// All demand work for the edition is drained by the first list using the generator.
			if demandDrained {
				continue
			}
			demandDrained = true
			work, err := q.svc.GetDemandWorkForEdition(ctx, ed.ID)
			if err != nil {
				return queued, fmt.Errorf("content list %q: %w", list.Name, err)
			}
			for _, w := range work {
				n, err := q.queueItems(ctx, jobID, ed, w.Items, !w.Unpublish)
				queued += n
				if err != nil {
					return queued, fmt.Errorf("content list %q: %w", list.Name, err)
				}
			}
			continue
		}

		q.mu.RLock()
		g, ok := q.generators[list.Generator]
		q.mu.RUnlock()
		if !ok {
			return queued, fmt.Errorf("content list %q: unknown generator %q", list.Name, list.Generator)
		}
		items, err := g.Generate(ctx, ed, list)
		if err != nil {
			return queued, fmt.Errorf("content list %q: %w", list.Name, err)
		}
		n, err := q.queueItems(ctx, jobID, ed, items, ed.Type != models.EditionUnpublish)
		queued += n
		if err != nil {
			return queued, fmt.Errorf("content list %q: %w", list.Name, err)
		}
		log.Debug().Int64("job_id", jobID).Str("content_list", list.Name).Int("items", n).Msg("Queued content list")
	}
	return queued, nil
}

func (q *ContentListQueuer) queueItems(ctx context.Context, jobID int64, ed models.Edition, items []models.DemandItem, publish bool) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	refs, err := q.svc.NextReferenceIDs(ctx, len(items))
	if err != nil {
		return 0, err
	}
	if len(refs) < len(items) {
		return 0, fmt.Errorf("allocated %d reference ids for %d items", len(refs), len(items))
	}
	n := 0
	for i, it := range items {
		st := models.ItemStatus{
			ReferenceID: refs[i],
			JobID:       jobID,
			State:       models.ItemQueued,
			IsPublish:   publish,
			ContentID:   it.ContentID,
			FolderID:    it.FolderID,
			SiteID:      ed.SiteID,
		}
		if !q.svc.UpdateItemState(st) {
			return n, fmt.Errorf("job %d is no longer registered", jobID)
		}
		n++
		if q.dispatcher != nil {
			if err := q.dispatcher.Dispatch(ctx, st); err != nil {
				return n, fmt.Errorf("dispatch reference %d: %w", st.ReferenceID, err)
			}
		}
	}
	return n, nil
}
