// Package demand holds out-of-band publish requests until a job claims them.
package demand

import (
	"fmt"
	"sort"

	"edition-publisher/internal/models"
)

// ConfigError reports an edition whose on-demand content lists are misconfigured.
type ConfigError struct {
	EditionID   int64
	Generator   string
	ContentList string
	Reason      string
}

func (e *ConfigError) Error() string {
	if e.ContentList == "" {
		return fmt.Sprintf("edition %d: %s (generator %s)", e.EditionID, e.Reason, e.Generator)
	}
	return fmt.Sprintf("edition %d: content list %q %s (generator %s)", e.EditionID, e.ContentList, e.Reason, e.Generator)
}

// Validate checks that ed can accept demand work for generator. When several
// content lists use the generator, only the one with the highest sequence may,
// and must, be flagged last on-demand.
func Validate(ed models.Edition, generator string) error {
	lists := make([]models.EditionContentList, 0, len(ed.ContentLists))
	for _, cl := range ed.ContentLists {
		if cl.Generator == generator {
			lists = append(lists, cl)
		}
	}
	if len(lists) == 0 {
		return &ConfigError{EditionID: ed.ID, Generator: generator, Reason: "has no content list using the generator"}
	}
	if len(lists) == 1 {
		return nil
	}

	sort.SliceStable(lists, func(i, k int) bool { return lists[i].Sequence < lists[k].Sequence })
	last := len(lists) - 1
	for _, cl := range lists[:last] {
		if cl.LastOnDemand {
			return &ConfigError{EditionID: ed.ID, Generator: generator, ContentList: cl.Name, Reason: "is marked last on-demand but is not the last in sequence"}
		}
	}
	if !lists[last].LastOnDemand {
		return &ConfigError{EditionID: ed.ID, Generator: generator, ContentList: lists[last].Name, Reason: "is last in sequence but is not marked last on-demand"}
	}
	return nil
}
