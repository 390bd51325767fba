package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"edition-publisher/internal/models"
)

// ErrNotFound is returned when a requested edition or job is not stored.
var ErrNotFound = errors.New("not found")

// Postgres is the long-term publish log and edition catalog.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// NextJobID allocates a job id from a sequence so ids survive restarts.
func (s *Postgres) NextJobID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('pub_job_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next job id: %w", err)
	}
	return id, nil
}

// NextReferenceIDs allocates n item reference ids in one round trip.
func (s *Postgres) NextReferenceIDs(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT nextval('pub_reference_id_seq') FROM generate_series(1, $1)`, n)
	if err != nil {
		return nil, fmt.Errorf("next reference ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("next reference ids: %w", err)
	}
	return ids, nil
}

var statusColumns = []string{
	"reference_id", "job_id", "pub_server_id", "state", "is_publish", "assembly_url", "elapsed_ms",
	"content_id", "folder_id", "template_id", "site_id", "delivery_context", "delivery_type",
	"published_location", "published_date", "messages", "unpublishing_information",
	"unpublish_ref_id", "page", "parent_page_reference_id",
}

// SaveStatuses bulk-copies a batch of item statuses and returns how many rows landed.
func (s *Postgres) SaveStatuses(ctx context.Context, batch []models.ItemStatus) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(batch))
	for _, st := range batch {
		messages := st.Messages
		if messages == nil {
			messages = []string{}
		}
		rows = append(rows, []any{
			st.ReferenceID, st.JobID, nullInt(st.PubServerID), string(st.State), st.IsPublish,
			st.AssemblyURL, st.ElapsedMs, st.ContentID, nullInt(st.FolderID), nullInt(st.TemplateID),
			nullInt(st.SiteID), st.DeliveryContext, st.DeliveryType, st.PublishedLocation,
			nullTime(st.PublishedDate), messages, st.UnpublishingInformation,
			nullInt(st.UnpublishRefID), nullInt(int64(st.Page)), nullInt(st.ParentPageReferenceID),
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"pub_item_status"}, statusColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return int(n), fmt.Errorf("copy item statuses: %w", err)
	}
	return int(n), nil
}

// ListStatuses returns the persisted log of a job in write order.
func (s *Postgres) ListStatuses(ctx context.Context, jobID int64) ([]models.ItemStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reference_id, job_id, pub_server_id, state, is_publish, assembly_url, elapsed_ms,
		       content_id, folder_id, template_id, site_id, delivery_context, delivery_type,
		       published_location, published_date, messages, unpublishing_information,
		       unpublish_ref_id, page, parent_page_reference_id
		FROM pub_item_status WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query item statuses: %w", err)
	}
	defer rows.Close()

	var out []models.ItemStatus
	for rows.Next() {
		var st models.ItemStatus
		var state string
		var pubServer, folder, template, site, unpubRef, parent pgtype.Int8
		var pg pgtype.Int4
		var published pgtype.Timestamptz
		if err := rows.Scan(&st.ReferenceID, &st.JobID, &pubServer, &state, &st.IsPublish, &st.AssemblyURL,
			&st.ElapsedMs, &st.ContentID, &folder, &template, &site, &st.DeliveryContext, &st.DeliveryType,
			&st.PublishedLocation, &published, &st.Messages, &st.UnpublishingInformation,
			&unpubRef, &pg, &parent); err != nil {
			return nil, fmt.Errorf("scan item status: %w", err)
		}
		st.State = models.ItemState(state)
		st.PubServerID = int8Value(pubServer)
		st.FolderID = int8Value(folder)
		st.TemplateID = int8Value(template)
		st.SiteID = int8Value(site)
		st.UnpublishRefID = int8Value(unpubRef)
		st.ParentPageReferenceID = int8Value(parent)
		if pg.Valid {
			st.Page = int(pg.Int32)
		}
		if published.Valid {
			st.PublishedDate = published.Time
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item statuses: %w", err)
	}
	return out, nil
}

// SaveJobSummary records a job's terminal snapshot.
func (s *Postgres) SaveJobSummary(ctx context.Context, st models.JobStatus) error {
	messages := st.Messages
	if messages == nil {
		messages = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pub_jobs (job_id, edition_id, site_id, state, queued_for_assembly, assembled, failed,
		                      prepared_for_delivery, delivered, total_items, start_time, elapsed_ms, messages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			queued_for_assembly = EXCLUDED.queued_for_assembly,
			assembled = EXCLUDED.assembled,
			failed = EXCLUDED.failed,
			prepared_for_delivery = EXCLUDED.prepared_for_delivery,
			delivered = EXCLUDED.delivered,
			total_items = EXCLUDED.total_items,
			elapsed_ms = EXCLUDED.elapsed_ms,
			messages = EXCLUDED.messages
	`, st.JobID, st.EditionID, st.SiteID, string(st.State), st.QueuedForAssembly, st.Assembled, st.Failed,
		st.PreparedForDelivery, st.Delivered, st.TotalItems, st.StartTime, st.Elapsed.Milliseconds(), messages)
	if err != nil {
		return fmt.Errorf("save job summary: %w", err)
	}
	return nil
}

// JobSummary loads a saved terminal snapshot.
func (s *Postgres) JobSummary(ctx context.Context, jobID int64) (models.JobStatus, error) {
	var st models.JobStatus
	var state string
	var elapsedMs int64
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, edition_id, site_id, state, queued_for_assembly, assembled, failed,
		       prepared_for_delivery, delivered, total_items, start_time, elapsed_ms, messages
		FROM pub_jobs WHERE job_id = $1
	`, jobID).Scan(&st.JobID, &st.EditionID, &st.SiteID, &state, &st.QueuedForAssembly, &st.Assembled,
		&st.Failed, &st.PreparedForDelivery, &st.Delivered, &st.TotalItems, &st.StartTime, &elapsedMs, &st.Messages)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobStatus{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("query job summary: %w", err)
	}
	st.State = models.JobState(state)
	st.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return st, nil
}

// Edition loads an edition with its content lists and task bindings.
func (s *Postgres) Edition(ctx context.Context, id int64) (models.Edition, error) {
	var ed models.Edition
	var edType string
	var lists, tasks []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, site_id, edition_type, destination, has_staging_servers, content_lists, tasks
		FROM editions WHERE id = $1
	`, id).Scan(&ed.ID, &ed.Name, &ed.SiteID, &edType, &ed.Destination, &ed.HasStagingServers, &lists, &tasks)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Edition{}, fmt.Errorf("edition %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Edition{}, fmt.Errorf("query edition: %w", err)
	}
	ed.Type = models.EditionType(edType)
	if err := json.Unmarshal(lists, &ed.ContentLists); err != nil {
		return models.Edition{}, fmt.Errorf("decode content lists: %w", err)
	}
	if err := json.Unmarshal(tasks, &ed.Tasks); err != nil {
		return models.Edition{}, fmt.Errorf("decode edition tasks: %w", err)
	}
	return ed, nil
}

// PutEdition inserts or replaces an edition definition.
func (s *Postgres) PutEdition(ctx context.Context, ed models.Edition) error {
	lists, err := json.Marshal(nonNil(ed.ContentLists))
	if err != nil {
		return fmt.Errorf("marshal content lists: %w", err)
	}
	tasks, err := json.Marshal(nonNil(ed.Tasks))
	if err != nil {
		return fmt.Errorf("marshal edition tasks: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO editions (id, name, site_id, edition_type, destination, has_staging_servers, content_lists, tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			site_id = EXCLUDED.site_id,
			edition_type = EXCLUDED.edition_type,
			destination = EXCLUDED.destination,
			has_staging_servers = EXCLUDED.has_staging_servers,
			content_lists = EXCLUDED.content_lists,
			tasks = EXCLUDED.tasks
	`, ed.ID, ed.Name, ed.SiteID, string(ed.Type), ed.Destination, ed.HasStagingServers, lists, tasks)
	if err != nil {
		return fmt.Errorf("save edition: %w", err)
	}
	return nil
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func int8Value(v pgtype.Int8) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
