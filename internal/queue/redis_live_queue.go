package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityWeight separates priority bands in the sorted-set score. The
// in-band tiebreak is milliseconds since scoreEpoch, so the encoding
// stays collision free while that offset is below the weight (until
// roughly 2051).
const priorityWeight = 1e12

var scoreEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// RedisLiveQueue keeps the ready queue in a Redis sorted set so
// multiple orchestrator instances can share one dispatch order. Entry
// payloads live in a companion hash keyed by job id.
type RedisLiveQueue struct {
	client   *redis.Client
	readyKey string
	metaKey  string
}

func NewRedisLiveQueue(client *redis.Client, prefix string) *RedisLiveQueue {
	if prefix == "" {
		prefix = "jobpilot"
	}
	return &RedisLiveQueue{
		client:   client,
		readyKey: prefix + ":ready",
		metaKey:  prefix + ":ready:meta",
	}
}

func scoreFor(e Entry) float64 {
	rel := float64(e.QueuedAt.Sub(scoreEpoch).Milliseconds())
	return -float64(e.Priority)*priorityWeight + rel
}

func (q *RedisLiveQueue) Push(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: scoreFor(entry), Member: entry.JobID})
	pipe.HSet(ctx, q.metaKey, entry.JobID, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisLiveQueue) PopReady(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	popped, err := q.client.ZPopMin(ctx, q.readyKey, int64(n)).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(popped))
	for _, z := range popped {
		ids = append(ids, z.Member.(string))
	}

	raw, err := q.client.HMGet(ctx, q.metaKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	if err := q.client.HDel(ctx, q.metaKey, ids...).Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for i, v := range raw {
		var e Entry
		if s, ok := v.(string); ok {
			if err := json.Unmarshal([]byte(s), &e); err == nil {
				entries = append(entries, e)
				continue
			}
		}
		// Meta missing or corrupt. Keep the id so the job is not lost.
		entries = append(entries, Entry{JobID: ids[i]})
	}
	return entries, nil
}

func (q *RedisLiveQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.HDel(ctx, q.metaKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisLiveQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	err := q.client.ZScore(ctx, q.readyKey, jobID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisLiveQueue) Position(ctx context.Context, jobID string) (int, error) {
	rank, err := q.client.ZRank(ctx, q.readyKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(rank) + 1, nil
}

func (q *RedisLiveQueue) Snapshot(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.ZRange(ctx, q.readyKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := q.client.HMGet(ctx, q.metaKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for i, v := range raw {
		var e Entry
		if s, ok := v.(string); ok {
			if err := json.Unmarshal([]byte(s), &e); err == nil {
				entries = append(entries, e)
				continue
			}
		}
		entries = append(entries, Entry{JobID: ids[i]})
	}
	return entries, nil
}

func (q *RedisLiveQueue) Len(ctx context.Context) (int, error) {
	count, err := q.client.ZCard(ctx, q.readyKey).Result()
	return int(count), err
}
