// Package redisq holds the Redis-backed slot queue and lock primitives.
//
// The allocation queue is a sorted set scored by eligibility time paired
// with a hash of payloads, so an entry carries both its position and its
// full allocation request.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

const (
	queueKey   = "voice_slots:queue"
	detailsKey = "voice_slots:details"
)

// popScript atomically claims the lowest-scored eligible member and removes
// both its zset entry and its payload. Claiming and removing in one script
// keeps two drainers from popping the same voice.
const popScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #members == 0 then
  return false
end
local member = members[1]
redis.call("ZREM", KEYS[1], member)
local payload = redis.call("HGET", KEYS[2], member)
redis.call("HDEL", KEYS[2], member)
return {member, payload}
`

// SlotQueue implements the delay-scored allocation queue.
type SlotQueue struct {
	rdb *redis.Client
	pop *redis.Script
}

// NewSlotQueue constructs a SlotQueue on the given client.
func NewSlotQueue(rdb *redis.Client) *SlotQueue {
	return &SlotQueue{rdb: rdb, pop: redis.NewScript(popScript)}
}

// Enqueue upserts the voice's queue entry with an eligibility score of
// now+delay. A duplicate enqueue replaces score and payload, never doubles
// the entry.
func (q *SlotQueue) Enqueue(ctx domain.Context, voiceID string, payload domain.AllocationPayload, delay time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=slotqueue.enqueue: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: voiceID})
	pipe.HSet(ctx, detailsKey, voiceID, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=slotqueue.enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the next eligible entry, or nil when none is due.
func (q *SlotQueue) Dequeue(ctx domain.Context) (*domain.AllocationPayload, error) {
	now := time.Now().UnixMilli()
	res, err := q.pop.Run(ctx, q.rdb, []string{queueKey, detailsKey}, now).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=slotqueue.dequeue: %w", err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) < 2 {
		return nil, nil
	}
	raw, _ := pair[1].(string)
	if raw == "" {
		// Entry without payload; treat as consumed noise.
		return nil, nil
	}
	var p domain.AllocationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("op=slotqueue.dequeue: %w", err)
	}
	return &p, nil
}

// DequeueReadyBatch pops up to limit eligible entries.
func (q *SlotQueue) DequeueReadyBatch(ctx domain.Context, limit int) ([]domain.AllocationPayload, error) {
	var out []domain.AllocationPayload
	for i := 0; i < limit; i++ {
		p, err := q.Dequeue(ctx)
		if err != nil {
			return out, err
		}
		if p == nil {
			break
		}
		out = append(out, *p)
	}
	return out, nil
}

// Remove drops the voice's entry if present.
func (q *SlotQueue) Remove(ctx domain.Context, voiceID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey, voiceID)
	pipe.HDel(ctx, detailsKey, voiceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=slotqueue.remove: %w", err)
	}
	return nil
}

// Length returns the number of queued entries, eligible or not, and keeps
// the depth gauge current.
func (q *SlotQueue) Length(ctx domain.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=slotqueue.length: %w", err)
	}
	observability.SlotQueueDepth.Set(float64(n))
	return n, nil
}

// IsEnqueued reports whether the voice currently has a queue entry.
func (q *SlotQueue) IsEnqueued(ctx domain.Context, voiceID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, queueKey, voiceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("op=slotqueue.is_enqueued: %w", err)
	}
	return true, nil
}

// Position returns the 1-based rank of the voice in the queue.
func (q *SlotQueue) Position(ctx domain.Context, voiceID string) (int64, bool, error) {
	rank, err := q.rdb.ZRank(ctx, queueKey, voiceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("op=slotqueue.position: %w", err)
	}
	return rank + 1, true, nil
}

// Snapshot returns up to limit entries in queue order with their scores.
func (q *SlotQueue) Snapshot(ctx domain.Context, limit int) ([]domain.QueuedAllocation, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, queueKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=slotqueue.snapshot: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	fields := make([]string, 0, len(zs))
	for _, z := range zs {
		fields = append(fields, z.Member.(string))
	}
	raws, err := q.rdb.HMGet(ctx, detailsKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=slotqueue.snapshot: %w", err)
	}
	out := make([]domain.QueuedAllocation, 0, len(zs))
	for i, z := range zs {
		qa := domain.QueuedAllocation{Score: z.Score}
		if s, ok := raws[i].(string); ok && s != "" {
			if err := json.Unmarshal([]byte(s), &qa.AllocationPayload); err != nil {
				return nil, fmt.Errorf("op=slotqueue.snapshot: %w", err)
			}
		} else {
			qa.VoiceID = fields[i]
		}
		out = append(out, qa)
	}
	return out, nil
}
