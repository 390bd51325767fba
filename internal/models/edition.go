package models

// EditionType distinguishes publish runs from unpublish and staging runs.
type EditionType string

const (
	EditionPublish        EditionType = "PUBLISH"
	EditionUnpublish      EditionType = "UNPUBLISH"
	EditionStagingPublish EditionType = "STAGING_PUBLISH"
)

// Edition is a configured, repeatable publishing run.
type Edition struct {
	ID                int64                `json:"id"`
	Name              string               `json:"name"`
	SiteID            int64                `json:"site_id"`
	Type              EditionType          `json:"type"`
	Destination       string               `json:"destination"`
	HasStagingServers bool                 `json:"has_staging_servers"`
	ContentLists      []EditionContentList `json:"content_lists"`
	Tasks             []EditionTask        `json:"tasks"`
}

// EditionContentList associates a content list with an edition.
type EditionContentList struct {
	Name         string `json:"name"`
	Generator    string `json:"generator"`
	Sequence     int    `json:"sequence"`
	LastOnDemand bool   `json:"last_on_demand"`
}

// TaskPhase controls when an edition task runs relative to the job's main work.
type TaskPhase string

const (
	PhasePre        TaskPhase = "PREEDITION"
	PhasePost       TaskPhase = "POSTEDITION"
	PhasePreAndPost TaskPhase = "PREANDPOSTEDITION"
)

func (p TaskPhase) RunsPre() bool { return p == PhasePre || p == PhasePreAndPost }

func (p TaskPhase) RunsPost() bool { return p == PhasePost || p == PhasePreAndPost }

// EditionTask binds a named task implementation to an edition.
type EditionTask struct {
	Name     string            `json:"name"`
	Phase    TaskPhase         `json:"phase"`
	Sequence int               `json:"sequence"`
	Params   map[string]string `json:"params,omitempty"`
}
