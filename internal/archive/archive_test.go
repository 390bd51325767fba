package archive

import (
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edition-publisher/internal/models"
)

type recordingMirror struct {
	keys []string
	err  error
}

func (m *recordingMirror) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	m.keys = append(m.keys, key)
	return "mem://" + key, m.err
}

func TestWriteProducesParseableLog(t *testing.T) {
	dir := t.TempDir()
	mirror := &recordingMirror{}
	w := NewWriter(dir, mirror)

	summary := &models.JobStatus{JobID: 7, EditionID: 3, State: models.JobCompletedWithFailure, Delivered: 1, Failed: 1, TotalItems: 2, StartTime: time.Now()}
	statuses := []models.ItemStatus{
		{ReferenceID: 1, JobID: 7, State: models.ItemDelivered, IsPublish: true, ContentID: 10, PublishedLocation: "/web/a.html", PublishedDate: time.Now()},
		{ReferenceID: 2, JobID: 7, State: models.ItemFailed, ContentID: 11, Messages: []string{"bad <template>"}, UnpublishingInformation: []byte{1, 2}},
	}
	name, err := w.Write(context.Background(), 7, summary, statuses)
	require.NoError(t, err)
	require.Equal(t, "publog-7.xml", name)
	require.Equal(t, []string{name}, mirror.keys)

	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var doc pubLog
	require.NoError(t, xml.Unmarshal(raw, &doc))
	require.Equal(t, int64(7), doc.JobID)
	require.Equal(t, "COMPLETED_W_FAILURE", doc.State)
	require.Len(t, doc.Items, 2)
	require.Equal(t, "publish", doc.Items[0].Operation)
	require.Equal(t, "/web/a.html", doc.Items[0].Location)
	require.Equal(t, "unpublish", doc.Items[1].Operation)
	require.Equal(t, []string{"bad <template>"}, doc.Items[1].Messages)
	require.Equal(t, "AQI=", doc.Items[1].UnpublishInfo)
}

func TestMirrorFailureDoesNotFailArchive(t *testing.T) {
	w := NewWriter(t.TempDir(), &recordingMirror{err: errors.New("bucket gone")})
	_, err := w.Write(context.Background(), 1, nil, nil)
	require.NoError(t, err)
}

func TestURL(t *testing.T) {
	require.Equal(t, "http://cms:9992/archives/publog-4.xml", URL("http://cms:9992/", FileName(4)))
}
