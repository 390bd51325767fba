package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edition-publisher/internal/config"
	"edition-publisher/internal/models"
	"edition-publisher/internal/publisher"
	"edition-publisher/internal/store"
)

type heldDispatcher struct {
	mu    sync.Mutex
	items []models.ItemStatus
}

func (d *heldDispatcher) Dispatch(_ context.Context, item models.ItemStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return nil
}

func (d *heldDispatcher) take() []models.ItemStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.items
	d.items = nil
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *heldDispatcher, *publisher.Service) {
	t.Helper()
	cfg := config.Config{
		ReapTime:        time.Minute,
		JobPollInterval: 5 * time.Millisecond,
		FlushBatchSize:  100,
		ArchiveDir:      t.TempDir(),
		DemandGenerator: config.DefaultDemandGenerator,
	}
	mem := store.NewMemory()
	require.NoError(t, mem.PutEdition(context.Background(), models.Edition{
		ID:          1,
		Name:        "web",
		SiteID:      1,
		Type:        models.EditionPublish,
		Destination: "/var/www",
		ContentLists: []models.EditionContentList{
			{Name: "nav", Generator: "static", Sequence: 1},
		},
	}))

	svc := publisher.New(publisher.Options{Config: cfg, Store: mem, Catalog: mem})
	d := &heldDispatcher{}
	q := publisher.NewContentListQueuer(svc, d)
	q.Register("static", publisher.GeneratorFunc(func(context.Context, models.Edition, models.EditionContentList) ([]models.DemandItem, error) {
		return []models.DemandItem{{ContentID: 100}, {ContentID: 101}}, nil
	}))
	svc.SetQueuer(q)

	srv := httptest.NewServer(New(cfg, svc).Router())
	t.Cleanup(srv.Close)
	return srv, d, svc
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, d, svc := newTestServer(t)

	var started map[string]int64
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/editions/1/jobs", nil, &started))
	jobID := started["job_id"]
	require.NotZero(t, jobID)

	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, srv.URL+"/editions/1/jobs", nil, nil))

	var items []models.ItemStatus
	require.Eventually(t, func() bool {
		items = append(items, d.take()...)
		return len(items) == 2
	}, 5*time.Second, time.Millisecond)

	for i := range items {
		items[i].State = models.ItemDelivered
		items[i].PublishedLocation = "/web/item.html"
		items[i].PublishedDate = time.Now()
	}
	var accepted map[string]int
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/items", items, &accepted))
	require.Equal(t, 2, accepted["accepted"])

	var st jobResponse
	require.Eventually(t, func() bool {
		doJSON(t, http.MethodGet, srv.URL+"/jobs/"+itoa(jobID), nil, &st)
		return st.State == models.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, st.Delivered)
	require.Equal(t, 100, st.Percent)
	require.False(t, st.Active)

	var list map[string][]int64
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/jobs?site_id=1", nil, &list))
	require.Equal(t, []int64{jobID}, list["job_ids"])

	require.NoError(t, svc.Drain(context.Background()))
	var archived map[string]string
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/jobs/"+itoa(jobID)+"/archive", nil, &archived))
	require.Equal(t, srv.URL+"/archives/publog-"+itoa(jobID)+".xml", archived["url"])

	resp, err := http.Get(archived["url"])
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, srv.URL+"/jobs/"+itoa(jobID), nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/jobs/"+itoa(jobID), nil, nil))
}

func TestErrorMapping(t *testing.T) {
	srv, _, _ := newTestServer(t)

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/jobs/abc", nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/jobs/9/cancel", nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/jobs/9/commit", commitRequest{HasError: true}, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/editions/5/jobs", nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/demand/nope", nil, nil))

	var body map[string]string
	code := doJSON(t, http.MethodPost, srv.URL+"/editions/1/demand", demandRequest{Items: []models.DemandItem{{ContentID: 1}}}, &body)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], config.DefaultDemandGenerator)

	var edition map[string]int64
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/editions/1/job", nil, &edition))
	require.Zero(t, edition["job_id"])
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestPutEditionThenStartOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ed := models.Edition{Name: "empty", SiteID: 2, Destination: "/var/www/empty"}
	var saved models.Edition
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, srv.URL+"/editions/2", ed, &saved))
	require.Equal(t, int64(2), saved.ID)
	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/editions/3", models.Edition{}, nil))

	var started map[string]int64
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/editions/2/jobs", nil, &started))
	jobID := started["job_id"]

	var st jobResponse
	require.Eventually(t, func() bool {
		doJSON(t, http.MethodGet, srv.URL+"/jobs/"+itoa(jobID), nil, &st)
		return st.State == models.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, srv.URL+"/jobs/"+itoa(jobID)+"/commit", commitRequest{}, nil))
}

func TestReferenceIDs(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var out map[string][]int64
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/reference-ids?count=3", nil, &out))
	require.Len(t, out["reference_ids"], 3)

	var next map[string][]int64
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/reference-ids", nil, &next))
	require.Len(t, next["reference_ids"], 1)
	require.Greater(t, next["reference_ids"][0], out["reference_ids"][2])

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/reference-ids?count=0", nil, nil))
}
