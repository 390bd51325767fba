package models

import (
	"time"
)

// DemandItem names one content item an external caller wants published now.
type DemandItem struct {
	ContentID int64 `json:"content_id"`
	FolderID  int64 `json:"folder_id,omitempty"`
}

// DemandWork is an out-of-band publish request queued against an edition.
type DemandWork struct {
	RequestID   string       `json:"request_id"`
	EditionID   int64        `json:"edition_id"`
	Generator   string       `json:"generator"`
	Items       []DemandItem `json:"items"`
	Unpublish   bool         `json:"unpublish,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
}
