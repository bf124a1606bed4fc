// Package asynqadp adapts background work onto asynq over Redis: delayed
// delivery, bounded retries and the periodic scheduler.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// Task type names on the broker.
const (
	TaskAllocate    = "voice:allocate"
	TaskDrain       = "voice:drain"
	TaskReclaim     = "voice:reclaim"
	TaskSynthesize  = "audio:synthesize"
	TaskCreditSweep = "credits:sweep"
)

// Queue is the TaskDispatcher implementation backed by an asynq client.
type Queue struct{ client *asynq.Client }

// New builds a Queue from a Redis URI.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// Close releases the underlying client.
func (q *Queue) Close() error { return q.client.Close() }

// DispatchAllocation enqueues one allocation attempt. Retries are handled in
// the task itself (re-enqueue to the slot queue), so the broker retry is low.
func (q *Queue) DispatchAllocation(ctx domain.Context, p domain.AllocationPayload) error {
	b, _ := json.Marshal(p)
	t := asynq.NewTask(TaskAllocate, b)
	_, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(2), asynq.Retention(24*time.Hour))
	if err != nil {
		return fmt.Errorf("op=queue.dispatch_allocation: %w", err)
	}
	observability.EnqueueTask(TaskAllocate)
	return nil
}

// DispatchSynthesis enqueues one synthesis attempt, optionally delayed when
// the voice is still waiting for a slot.
func (q *Queue) DispatchSynthesis(ctx domain.Context, p domain.SynthesisPayload, delay time.Duration) error {
	b, _ := json.Marshal(p)
	t := asynq.NewTask(TaskSynthesize, b)
	opts := []asynq.Option{asynq.MaxRetry(3), asynq.Retention(24 * time.Hour)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := q.client.EnqueueContext(ctx, t, opts...); err != nil {
		return fmt.Errorf("op=queue.dispatch_synthesis: %w", err)
	}
	observability.EnqueueTask(TaskSynthesize)
	return nil
}

// DispatchDrain kicks an immediate queue drain, typically after a slot frees.
func (q *Queue) DispatchDrain(ctx domain.Context) error {
	t := asynq.NewTask(TaskDrain, nil)
	if _, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("op=queue.dispatch_drain: %w", err)
	}
	observability.EnqueueTask(TaskDrain)
	return nil
}

// NewScheduler registers the periodic drain, reclaim and credit sweep beats.
func NewScheduler(redisURL string, drainEvery, reclaimEvery, sweepEvery time.Duration) (*asynq.Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	sched := asynq.NewScheduler(opt, nil)
	entries := []struct {
		spec string
		task *asynq.Task
	}{
		{fmt.Sprintf("@every %s", drainEvery), asynq.NewTask(TaskDrain, nil)},
		{fmt.Sprintf("@every %s", reclaimEvery), asynq.NewTask(TaskReclaim, nil)},
		{fmt.Sprintf("@every %s", sweepEvery), asynq.NewTask(TaskCreditSweep, nil)},
	}
	for _, e := range entries {
		if _, err := sched.Register(e.spec, e.task); err != nil {
			return nil, fmt.Errorf("op=scheduler.register: %w", err)
		}
	}
	return sched, nil
}
