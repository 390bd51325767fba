package models

import (
	"time"
)

// ItemState is the progress of one publish or unpublish attempt.
type ItemState string

const (
	ItemQueued              ItemState = "QUEUED"
	ItemAssembled           ItemState = "ASSEMBLED"
	ItemPaged               ItemState = "PAGED"
	ItemPreparedForDelivery ItemState = "PREPARED_FOR_DELIVERY"
	ItemDeliveryQueued      ItemState = "DELIVERY_QUEUED"
	ItemDelivered           ItemState = "DELIVERED"
	ItemFailed              ItemState = "FAILED"
	ItemCancelled           ItemState = "CANCELLED"
)

// Counter names the job counter an item in a given state contributes to.
type Counter int

const (
	CountQueued Counter = iota
	CountAssembled
	CountPrepared
	CountDelivered
	CountFailed
)

type itemStateInfo struct {
	terminal    bool
	persistable bool
	counter     Counter
}

var itemStates = map[ItemState]itemStateInfo{
	ItemQueued:              {counter: CountQueued},
	ItemAssembled:           {counter: CountAssembled},
	ItemPaged:               {counter: CountPrepared},
	ItemPreparedForDelivery: {persistable: true, counter: CountPrepared},
	ItemDeliveryQueued:      {counter: CountPrepared},
	ItemDelivered:           {terminal: true, persistable: true, counter: CountDelivered},
	ItemFailed:              {terminal: true, persistable: true, counter: CountFailed},
	ItemCancelled:           {terminal: true, persistable: true, counter: CountFailed},
}

func (s ItemState) Terminal() bool { return itemStates[s].terminal }

// Persistable reports whether records in this state go to the long-term log.
func (s ItemState) Persistable() bool { return itemStates[s].persistable }

// Counter returns the job counter bucket for the state.
func (s ItemState) Counter() Counter { return itemStates[s].counter }

func (s ItemState) Valid() bool {
	_, ok := itemStates[s]
	return ok
}

// ItemStatus describes one publish/unpublish attempt for a content item or page.
type ItemStatus struct {
	ReferenceID             int64     `json:"reference_id"`
	JobID                   int64     `json:"job_id"`
	PubServerID             int64     `json:"pub_server_id,omitempty"`
	State                   ItemState `json:"state"`
	IsPublish               bool      `json:"is_publish"`
	AssemblyURL             string    `json:"assembly_url,omitempty"`
	ElapsedMs               int64     `json:"elapsed_ms"`
	ContentID               int64     `json:"content_id"`
	FolderID                int64     `json:"folder_id,omitempty"`
	TemplateID              int64     `json:"template_id,omitempty"`
	SiteID                  int64     `json:"site_id,omitempty"`
	DeliveryContext         int       `json:"delivery_context,omitempty"`
	DeliveryType            string    `json:"delivery_type,omitempty"`
	PublishedLocation       string    `json:"published_location,omitempty"`
	PublishedDate           time.Time `json:"published_date,omitempty"`
	Messages                []string  `json:"messages,omitempty"`
	UnpublishingInformation []byte    `json:"unpublishing_information,omitempty"`
	UnpublishRefID          int64     `json:"unpublish_ref_id,omitempty"`
	Page                    int       `json:"page,omitempty"`
	ParentPageReferenceID   int64     `json:"parent_page_reference_id,omitempty"`
}

// IsPage reports whether the record is a page split out of another item.
func (s ItemStatus) IsPage() bool { return s.Page > 0 }

// OrphanPage reports a page record that does not name its parent.
func (s ItemStatus) OrphanPage() bool { return s.Page > 0 && s.ParentPageReferenceID == 0 }

// Clone returns a copy that shares no slices with s.
func (s ItemStatus) Clone() ItemStatus {
	out := s
	if s.Messages != nil {
		out.Messages = append([]string(nil), s.Messages...)
	}
	if s.UnpublishingInformation != nil {
		out.UnpublishingInformation = append([]byte(nil), s.UnpublishingInformation...)
	}
	return out
}
