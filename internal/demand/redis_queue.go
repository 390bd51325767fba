package demand

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"edition-publisher/internal/models"
)

// RedisQueue keeps demand work in Redis lists, one per edition, so several
// publisher nodes can share submissions.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue wraps an existing client. Keys are "<prefix><editionID>".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "demand:edition:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) editionKey(editionID int64) string {
	return fmt.Sprintf("%s%d", q.prefix, editionID)
}

// Push appends work to the tail of the edition's list.
func (q *RedisQueue) Push(ctx context.Context, work models.DemandWork) error {
	raw, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("marshal demand work: %w", err)
	}
	if err := q.client.RPush(ctx, q.editionKey(work.EditionID), raw).Err(); err != nil {
		return fmt.Errorf("push demand work: %w", err)
	}
	return nil
}

// DrainAll reads and deletes the edition's list in one script call.
func (q *RedisQueue) DrainAll(ctx context.Context, editionID int64) ([]models.DemandWork, error) {
	res, err := drainScript.Run(ctx, q.client, []string{q.editionKey(editionID)}).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drain demand work: %w", err)
	}
	out := make([]models.DemandWork, 0, len(res))
	for _, raw := range res {
		var w models.DemandWork
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return out, fmt.Errorf("decode demand work: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}

func (q *RedisQueue) Depth(ctx context.Context, editionID int64) (int64, error) {
	return q.client.LLen(ctx, q.editionKey(editionID)).Result()
}

var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)
