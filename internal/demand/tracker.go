package demand

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Request is what is known about a submitted demand request.
type Request struct {
	ID        string
	EditionID int64
	JobID     int64
}

// Tracker correlates demand request ids with the job that picked them up.
type Tracker struct {
	requests *xsync.MapOf[string, Request]
}

func NewTracker() *Tracker {
	return &Tracker{requests: xsync.NewMapOf[string, Request]()}
}

// NewRequest allocates an opaque id for work on editionID.
func (t *Tracker) NewRequest(editionID int64) Request {
	req := Request{ID: uuid.NewString(), EditionID: editionID}
	t.requests.Store(req.ID, req)
	return req
}

// Claim records that jobID picked up the request.
func (t *Tracker) Claim(requestID string, jobID int64) {
	t.requests.Compute(requestID, func(req Request, loaded bool) (Request, bool) {
		if !loaded {
			return req, true
		}
		req.JobID = jobID
		return req, false
	})
}

func (t *Tracker) Get(requestID string) (Request, bool) {
	return t.requests.Load(requestID)
}

// Drop discards a request that was never queued.
func (t *Tracker) Drop(requestID string) {
	t.requests.Delete(requestID)
}

// Forget drops requests claimed by jobID.
func (t *Tracker) Forget(jobID int64) int {
	n := 0
	t.requests.Range(func(id string, req Request) bool {
		if req.JobID == jobID {
			t.requests.Delete(id)
			n++
		}
		return true
	})
	return n
}
