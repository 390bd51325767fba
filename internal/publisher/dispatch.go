package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"edition-publisher/internal/models"
)

// RedisDispatcher pushes queued items onto a Redis list that assembly workers consume.
type RedisDispatcher struct {
	client *redis.Client
	key    string
}

func NewRedisDispatcher(client *redis.Client, key string) *RedisDispatcher {
	if key == "" {
		key = "assembly:queue"
	}
	return &RedisDispatcher{client: client, key: key}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, item models.ItemStatus) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return d.client.RPush(ctx, d.key, payload).Err()
}

// LoopbackDispatcher stands in for assembly and delivery when none are
// deployed: every item is reported assembled and then delivered.
type LoopbackDispatcher struct {
	svc *Service
}

func NewLoopbackDispatcher(svc *Service) *LoopbackDispatcher {
	return &LoopbackDispatcher{svc: svc}
}

func (d *LoopbackDispatcher) Dispatch(_ context.Context, item models.ItemStatus) error {
	go func() {
		assembled := item
		assembled.State = models.ItemAssembled
		assembled.AssemblyURL = fmt.Sprintf("loopback://assembly/%d", item.ContentID)
		d.svc.UpdateItemState(assembled)

		delivered := assembled
		delivered.State = models.ItemDelivered
		delivered.PublishedLocation = fmt.Sprintf("/%d/%d", item.FolderID, item.ContentID)
		delivered.PublishedDate = d.svc.now()
		d.svc.UpdateItemState(delivered)
	}()
	return nil
}

// commitRequest is what delivery workers receive when a job reaches COMMITTING.
// They answer through AcknowledgeJobCommit.
type commitRequest struct {
	JobID       int64     `json:"job_id"`
	EditionID   int64     `json:"edition_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// RedisCommitter asks delivery workers to commit a job by pushing onto a
// Redis list next to the assembly queue.
type RedisCommitter struct {
	svc    *Service
	client *redis.Client
	key    string
}

func NewRedisCommitter(svc *Service, client *redis.Client, key string) *RedisCommitter {
	if key == "" {
		key = "delivery:commit"
	}
	return &RedisCommitter{svc: svc, client: client, key: key}
}

func (c *RedisCommitter) Commit(ctx context.Context, jobID int64) error {
	editionID, _ := c.svc.GetJobEditionID(jobID)
	payload, err := json.Marshal(commitRequest{JobID: jobID, EditionID: editionID, RequestedAt: c.svc.now()})
	if err != nil {
		return fmt.Errorf("marshal commit request: %w", err)
	}
	return c.client.RPush(ctx, c.key, payload).Err()
}

// LoopbackCommitter acknowledges every commit itself, pairing with
// LoopbackDispatcher when no delivery workers are deployed.
type LoopbackCommitter struct {
	svc *Service
}

func NewLoopbackCommitter(svc *Service) *LoopbackCommitter {
	return &LoopbackCommitter{svc: svc}
}

func (c *LoopbackCommitter) Commit(_ context.Context, jobID int64) error {
	go func() {
		_ = c.svc.AcknowledgeJobCommit(jobID, false)
	}()
	return nil
}
