package asynqadp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// AllocationHandler runs the slot allocation task family.
type AllocationHandler interface {
	HandleAllocate(ctx domain.Context, p domain.AllocationPayload) error
	HandleDrain(ctx domain.Context) error
	HandleReclaim(ctx domain.Context) error
}

// SynthesisHandler runs one synthesis attempt.
type SynthesisHandler interface {
	HandleSynthesize(ctx domain.Context, p domain.SynthesisPayload) error
}

// CreditSweeper expires stale credit lots.
type CreditSweeper interface {
	HandleSweep(ctx domain.Context) error
}

// Worker hosts the asynq server and routes tasks to the usecase handlers.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds the worker and registers all task handlers.
func NewWorker(redisURL string, concurrency int, alloc AllocationHandler, synth SynthesisHandler, sweeper CreditSweeper) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskAllocate, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "AllocateVoice")
		defer span.End()
		var p domain.AllocationPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return err
		}
		observability.StartTask(TaskAllocate)
		if err := alloc.HandleAllocate(ctx, p); err != nil {
			observability.FailTask(TaskAllocate)
			slog.Error("allocation task failed", slog.String("voice_id", p.VoiceID), slog.Any("error", err))
			return err
		}
		observability.CompleteTask(TaskAllocate)
		return nil
	})

	mux.HandleFunc(TaskDrain, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "DrainSlotQueue")
		defer span.End()
		observability.StartTask(TaskDrain)
		if err := alloc.HandleDrain(ctx); err != nil {
			observability.FailTask(TaskDrain)
			return err
		}
		observability.CompleteTask(TaskDrain)
		return nil
	})

	mux.HandleFunc(TaskReclaim, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "ReclaimIdleSlots")
		defer span.End()
		observability.StartTask(TaskReclaim)
		if err := alloc.HandleReclaim(ctx); err != nil {
			observability.FailTask(TaskReclaim)
			return err
		}
		observability.CompleteTask(TaskReclaim)
		return nil
	})

	mux.HandleFunc(TaskSynthesize, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "SynthesizeAudio")
		defer span.End()
		var p domain.SynthesisPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return err
		}
		observability.StartTask(TaskSynthesize)
		start := time.Now()
		if err := synth.HandleSynthesize(ctx, p); err != nil {
			observability.FailTask(TaskSynthesize)
			slog.Error("synthesis task failed",
				slog.String("audio_request_id", p.AudioRequestID), slog.Any("error", err))
			return err
		}
		observability.SynthesisDuration.Observe(time.Since(start).Seconds())
		observability.CompleteTask(TaskSynthesize)
		return nil
	})

	mux.HandleFunc(TaskCreditSweep, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "SweepExpiredCredits")
		defer span.End()
		observability.StartTask(TaskCreditSweep)
		if err := sweeper.HandleSweep(ctx); err != nil {
			observability.FailTask(TaskCreditSweep)
			return err
		}
		observability.CompleteTask(TaskCreditSweep)
		return nil
	})

	return &Worker{server: srv, mux: mux}, nil
}

// Start begins processing tasks; it does not block.
func (w *Worker) Start(ctx context.Context) error { return w.server.Start(w.mux) }

// Stop drains in-flight tasks and shuts the server down.
func (w *Worker) Stop() { w.server.Shutdown() }
