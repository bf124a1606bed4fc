package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// AllocationService runs the background half of the slot allocator: the
// allocation task, the queue drain and the idle reclaimer.
type AllocationService struct {
	cfg       SlotConfig
	language  string
	voices    domain.VoiceRepository
	queue     domain.SlotQueue
	locks     domain.Locker
	tasks     domain.TaskDispatcher
	providers domain.ProviderRegistry
	store     domain.ObjectStore
	recorder  *EventRecorder
	// provider tags swept by the reclaimer
	providerTags []string
}

// NewAllocationService wires the allocation worker.
func NewAllocationService(cfg SlotConfig, language string, voices domain.VoiceRepository, queue domain.SlotQueue, locks domain.Locker, tasks domain.TaskDispatcher, providers domain.ProviderRegistry, store domain.ObjectStore, recorder *EventRecorder, providerTags []string) *AllocationService {
	return &AllocationService{
		cfg: cfg, language: language, voices: voices, queue: queue, locks: locks,
		tasks: tasks, providers: providers, store: store, recorder: recorder,
		providerTags: providerTags,
	}
}

// HandleAllocate performs one upstream clone attempt for a voice.
func (a *AllocationService) HandleAllocate(ctx domain.Context, p domain.AllocationPayload) error {
	lock := allocLockKey(p.VoiceID)
	v, err := a.voices.Get(ctx, p.VoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Voice deleted while queued: drop every trace of it.
			_ = a.queue.Remove(ctx, p.VoiceID)
			_ = a.locks.ForceRelease(ctx, lock)
			return nil
		}
		return fmt.Errorf("op=alloc.handle: %w", err)
	}
	if v.AllocationStatus == domain.AllocationReady && v.RemoteVoiceID != nil {
		_ = a.queue.Remove(ctx, v.ID)
		_ = a.locks.ForceRelease(ctx, lock)
		return nil
	}

	// Capacity may have vanished between dispatch and execution.
	active, err := a.voices.CountActive(ctx, v.ServiceProvider)
	if err != nil {
		return fmt.Errorf("op=alloc.handle: %w", err)
	}
	ceiling := a.cfg.SlotLimit
	if v.AllocationStatus == domain.AllocationAllocating {
		// This voice already counts toward active.
		ceiling++
	}
	if active >= ceiling {
		return a.deferAllocation(ctx, v, p, "capacity exhausted", a.pollDelay())
	}

	if v.AllocationStatus != domain.AllocationAllocating {
		v.AllocationStatus = domain.AllocationAllocating
		if err := a.voices.Update(ctx, v); err != nil {
			return fmt.Errorf("op=alloc.handle: %w", err)
		}
	}
	a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventAllocationStarted, "",
		map[string]any{"attempt": p.Attempts + 1, "provider": v.ServiceProvider})

	prov, err := a.providers.Provider(v.ServiceProvider)
	if err != nil {
		return a.failAllocation(ctx, v, p, err)
	}
	sample, err := a.store.Download(ctx, v.RecordingObjectKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return a.failAllocation(ctx, v, p, fmt.Errorf("%w: %w", domain.ErrVoiceSampleMissing, err))
		}
		return a.retryAllocation(ctx, v, p, err, a.pollDelay())
	}

	remoteID, err := prov.CloneVoice(ctx, sample, v.SampleFilename, v.Name, a.language)
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			return a.retryAllocation(ctx, v, p, err, rl.RetryAfter)
		}
		return a.retryAllocation(ctx, v, p, err, a.pollDelay())
	}

	now := time.Now().UTC()
	hold := now.Add(a.cfg.WarmHold)
	v.RemoteVoiceID = &remoteID
	v.Status = domain.VoiceReady
	v.AllocationStatus = domain.AllocationReady
	v.AllocatedAt = &now
	v.LastUsedAt = &now
	v.SlotLockExpiresAt = &hold
	v.ErrorMessage = ""
	if err := a.voices.Update(ctx, v); err != nil {
		// The upstream slot exists but we could not record it; undo the clone
		// so capacity accounting stays truthful.
		if derr := prov.DeleteVoice(ctx, remoteID); derr != nil {
			slog.Error("orphaned upstream clone", slog.String("voice_id", v.ID),
				slog.String("remote_voice_id", remoteID), slog.Any("error", derr))
		}
		return fmt.Errorf("op=alloc.handle: %w", err)
	}
	_ = a.queue.Remove(ctx, v.ID)
	a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventAllocationCompleted, "",
		map[string]any{"remote_voice_id": remoteID, "provider": v.ServiceProvider})
	_ = a.locks.ForceRelease(ctx, allocLockKey(v.ID))
	a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventSlotLockReleased, "", nil)
	slog.Info("voice slot allocated", slog.String("voice_id", v.ID), slog.String("provider", v.ServiceProvider))
	return nil
}

// deferAllocation parks the voice back in the queue.
func (a *AllocationService) deferAllocation(ctx domain.Context, v domain.Voice, p domain.AllocationPayload, reason string, delay time.Duration) error {
	if v.AllocationStatus == domain.AllocationAllocating {
		v.AllocationStatus = domain.AllocationRecorded
		if err := a.voices.Update(ctx, v); err != nil {
			return fmt.Errorf("op=alloc.defer: %w", err)
		}
	}
	if err := a.queue.Enqueue(ctx, v.ID, p, delay); err != nil {
		return fmt.Errorf("op=alloc.defer: %w", err)
	}
	a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventAllocationQueued, reason,
		map[string]any{"delay_ms": delay.Milliseconds(), "provider": v.ServiceProvider})
	_ = a.locks.ForceRelease(ctx, allocLockKey(v.ID))
	return nil
}

// retryAllocation re-queues a failed attempt until the retry budget runs out.
func (a *AllocationService) retryAllocation(ctx domain.Context, v domain.Voice, p domain.AllocationPayload, cause error, delay time.Duration) error {
	p.Attempts++
	if p.Attempts > a.cfg.AllocMaxRetries {
		return a.failAllocation(ctx, v, p, cause)
	}
	slog.Warn("allocation attempt failed, retrying",
		slog.String("voice_id", v.ID), slog.Int("attempt", p.Attempts), slog.Any("error", cause))
	return a.deferAllocation(ctx, v, p, cause.Error(), delay)
}

// failAllocation gives up on the voice and records the terminal error.
func (a *AllocationService) failAllocation(ctx domain.Context, v domain.Voice, p domain.AllocationPayload, cause error) error {
	v.Status = domain.VoiceError
	v.AllocationStatus = domain.AllocationRecorded
	v.ErrorMessage = cause.Error()
	if err := a.voices.Update(ctx, v); err != nil {
		slog.Error("allocation failure update failed", slog.String("voice_id", v.ID), slog.Any("error", err))
	}
	_ = a.queue.Remove(ctx, v.ID)
	a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventAllocationFailed, cause.Error(),
		map[string]any{"attempts": p.Attempts, "provider": v.ServiceProvider})
	_ = a.locks.ForceRelease(ctx, allocLockKey(v.ID))
	return nil
}

// HandleDrain moves eligible queue entries into allocation while capacity
// lasts, re-queuing the overflow with a jittered delay.
func (a *AllocationService) HandleDrain(ctx domain.Context) error {
	entries, err := a.queue.DequeueReadyBatch(ctx, a.cfg.DrainBatch)
	if err != nil {
		return fmt.Errorf("op=alloc.drain: %w", err)
	}
	deferred := 0
	for _, p := range entries {
		active, err := a.voices.CountActive(ctx, p.ServiceProvider)
		if err != nil {
			// Put the entry back rather than losing it.
			_ = a.queue.Enqueue(ctx, p.VoiceID, p, a.jitteredDelay())
			return fmt.Errorf("op=alloc.drain: %w", err)
		}
		if active >= a.cfg.SlotLimit {
			if err := a.queue.Enqueue(ctx, p.VoiceID, p, a.jitteredDelay()); err != nil {
				return fmt.Errorf("op=alloc.drain: %w", err)
			}
			deferred++
			if deferred >= 10 {
				// Capacity is clearly gone for this cycle.
				break
			}
			continue
		}
		deferred = 0
		if err := a.tasks.DispatchAllocation(ctx, p); err != nil {
			_ = a.queue.Enqueue(ctx, p.VoiceID, p, a.jitteredDelay())
			return fmt.Errorf("op=alloc.drain: %w", err)
		}
	}
	return nil
}

// HandleReclaim evicts least-recently-used warm slots when voices are
// waiting. Upstream deletion must succeed before the local slot is freed.
func (a *AllocationService) HandleReclaim(ctx domain.Context) error {
	qlen, err := a.queue.Length(ctx)
	if err != nil {
		return fmt.Errorf("op=alloc.reclaim: %w", err)
	}
	if qlen == 0 {
		return nil
	}
	budget := a.cfg.MaxReclaim
	if int64(budget) > qlen {
		budget = int(qlen)
	}
	cutoff := time.Now().UTC().Add(-a.cfg.WarmHold)
	freed := 0
	for _, tag := range a.providerTags {
		if budget <= 0 {
			break
		}
		candidates, err := a.voices.ReclaimCandidates(ctx, tag, cutoff, budget)
		if err != nil {
			return fmt.Errorf("op=alloc.reclaim: %w", err)
		}
		prov, err := a.providers.Provider(tag)
		if err != nil {
			continue
		}
		for _, v := range candidates {
			if v.RemoteVoiceID == nil {
				continue
			}
			remoteID := *v.RemoteVoiceID
			if err := prov.DeleteVoice(ctx, remoteID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("upstream slot release failed; keeping local state",
					slog.String("voice_id", v.ID), slog.Any("error", err))
				continue
			}
			now := time.Now().UTC()
			v.RemoteVoiceID = nil
			v.AllocationStatus = domain.AllocationRecorded
			v.AllocatedAt = nil
			v.SlotLockExpiresAt = nil
			v.LastUsedAt = &now
			if err := a.voices.Update(ctx, v); err != nil {
				slog.Error("eviction update failed", slog.String("voice_id", v.ID), slog.Any("error", err))
				continue
			}
			a.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventSlotEvicted, "idle reclaim",
				map[string]any{"remote_voice_id": remoteID, "provider": tag})
			freed++
			budget--
			if budget <= 0 {
				break
			}
		}
	}
	if freed > 0 {
		if err := a.tasks.DispatchDrain(ctx); err != nil {
			slog.Warn("drain dispatch after reclaim failed", slog.Any("error", err))
		}
	}
	return nil
}

// pollDelay is the standard deferral before the next capacity check.
func (a *AllocationService) pollDelay() time.Duration { return a.jitteredDelay() }

// jitteredDelay spreads re-checks so parked entries do not thunder back in
// together.
func (a *AllocationService) jitteredDelay() time.Duration {
	base := a.cfg.QueuePollInterval
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}
