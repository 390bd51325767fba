// Package archive serializes a job's publish log to XML files.
package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/models"
)

// URLPrefix is the path archives are browsable under.
const URLPrefix = "/archives/"

// Mirror stores a copy of each archive somewhere else, such as S3.
type Mirror interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer writes archives to a local directory.
type Writer struct {
	dir    string
	mirror Mirror
}

// NewWriter archives into dir. mirror may be nil.
func NewWriter(dir string, mirror Mirror) *Writer {
	return &Writer{dir: dir, mirror: mirror}
}

func (w *Writer) Dir() string { return w.dir }

type pubLog struct {
	XMLName    xml.Name  `xml:"PublicationLog"`
	JobID      int64     `xml:"jobId,attr"`
	EditionID  int64     `xml:"editionId,attr"`
	SiteID     int64     `xml:"siteId,attr,omitempty"`
	State      string    `xml:"status,attr,omitempty"`
	StartTime  string    `xml:"startTime,attr,omitempty"`
	ElapsedMs  int64     `xml:"elapsedMs,attr,omitempty"`
	Delivered  int       `xml:"delivered,attr"`
	Failed     int       `xml:"failed,attr"`
	Total      int       `xml:"total,attr"`
	ArchivedAt string    `xml:"archivedAt,attr"`
	Messages   []string  `xml:"Message,omitempty"`
	Items      []logItem `xml:"Item"`
}

type logItem struct {
	ReferenceID       int64    `xml:"referenceId,attr"`
	State             string   `xml:"status,attr"`
	Operation         string   `xml:"operation,attr"`
	ContentID         int64    `xml:"contentId,attr"`
	FolderID          int64    `xml:"folderId,attr,omitempty"`
	TemplateID        int64    `xml:"templateId,attr,omitempty"`
	SiteID            int64    `xml:"siteId,attr,omitempty"`
	PubServerID       int64    `xml:"pubServerId,attr,omitempty"`
	DeliveryType      string   `xml:"deliveryType,attr,omitempty"`
	DeliveryContext   int      `xml:"deliveryContext,attr,omitempty"`
	ElapsedMs         int64    `xml:"elapsedMs,attr"`
	Page              int      `xml:"page,attr,omitempty"`
	ParentReferenceID int64    `xml:"parentPageReferenceId,attr,omitempty"`
	UnpublishRefID    int64    `xml:"unpublishRefId,attr,omitempty"`
	AssemblyURL       string   `xml:"AssemblyUrl,omitempty"`
	Location          string   `xml:"Location,omitempty"`
	PublishedDate     string   `xml:"PublishedDate,omitempty"`
	UnpublishInfo     string   `xml:"UnpublishingInformation,omitempty"`
	Messages          []string `xml:"Message,omitempty"`
}

// Write archives the log of jobID and returns the archive file name.
func (w *Writer) Write(ctx context.Context, jobID int64, summary *models.JobStatus, statuses []models.ItemStatus) (string, error) {
	doc := pubLog{
		JobID:      jobID,
		ArchivedAt: time.Now().UTC().Format(time.RFC3339),
		Items:      make([]logItem, 0, len(statuses)),
	}
	if summary != nil {
		doc.EditionID = summary.EditionID
		doc.SiteID = summary.SiteID
		doc.State = string(summary.State)
		doc.StartTime = summary.StartTime.UTC().Format(time.RFC3339)
		doc.ElapsedMs = summary.Elapsed.Milliseconds()
		doc.Delivered = summary.Delivered
		doc.Failed = summary.Failed
		doc.Total = summary.TotalItems
		doc.Messages = summary.Messages
	}
	for _, st := range statuses {
		doc.Items = append(doc.Items, toLogItem(st))
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode publish log: %w", err)
	}

	name := FileName(jobID)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, name), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}

	if w.mirror != nil {
		if loc, err := w.mirror.Upload(ctx, name, buf.Bytes(), "application/xml"); err != nil {
			log.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to mirror publish log archive")
		} else {
			log.Debug().Int64("job_id", jobID).Str("location", loc).Msg("Mirrored publish log archive")
		}
	}
	return name, nil
}

// FileName is the archive file name for a job.
func FileName(jobID int64) string {
	return fmt.Sprintf("publog-%d.xml", jobID)
}

// URL joins the caller's base URL with the archive path.
func URL(baseURL, name string) string {
	return strings.TrimRight(baseURL, "/") + URLPrefix + name
}

func toLogItem(st models.ItemStatus) logItem {
	op := "publish"
	if !st.IsPublish {
		op = "unpublish"
	}
	it := logItem{
		ReferenceID:       st.ReferenceID,
		State:             string(st.State),
		Operation:         op,
		ContentID:         st.ContentID,
		FolderID:          st.FolderID,
		TemplateID:        st.TemplateID,
		SiteID:            st.SiteID,
		PubServerID:       st.PubServerID,
		DeliveryType:      st.DeliveryType,
		DeliveryContext:   st.DeliveryContext,
		ElapsedMs:         st.ElapsedMs,
		Page:              st.Page,
		ParentReferenceID: st.ParentPageReferenceID,
		UnpublishRefID:    st.UnpublishRefID,
		AssemblyURL:       st.AssemblyURL,
		Location:          st.PublishedLocation,
		Messages:          st.Messages,
	}
	if !st.PublishedDate.IsZero() {
		it.PublishedDate = st.PublishedDate.UTC().Format(time.RFC3339)
	}
	if len(st.UnpublishingInformation) > 0 {
		it.UnpublishInfo = base64.StdEncoding.EncodeToString(st.UnpublishingInformation)
	}
	return it
}
