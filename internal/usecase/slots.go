package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// Slot state labels returned to callers.
const (
	SlotReady      = "ready"
	SlotAllocating = "allocating"
	SlotQueued     = "queued"
)

func allocLockKey(voiceID string) string { return "voice_alloc_lock:" + voiceID }

func dedupKey(voiceID, storyID string) string {
	return fmt.Sprintf("audio:synth:dedup:%s:%s", voiceID, storyID)
}

// SlotState describes where a voice stands in the slot life cycle.
type SlotState struct {
	Status        string `json:"status"`
	RemoteVoiceID string `json:"remote_voice_id,omitempty"`
	Provider      string `json:"service_provider"`
	QueuePosition int64  `json:"queue_position,omitempty"`
	QueueLength   int64  `json:"queue_length,omitempty"`
}

// SlotConfig carries the allocator tunables.
type SlotConfig struct {
	SlotLimit         int
	WarmHold          time.Duration
	SlotLockTTL       time.Duration
	QueuePollInterval time.Duration
	MaxReclaim        int
	DrainBatch        int
	AllocMaxRetries   int
}

// SlotService arbitrates upstream voice slots: a voice asks for a slot and
// is answered ready, allocating or queued.
type SlotService struct {
	cfg      SlotConfig
	voices   domain.VoiceRepository
	queue    domain.SlotQueue
	locks    domain.Locker
	tasks    domain.TaskDispatcher
	recorder *EventRecorder
}

// NewSlotService wires the slot arbiter.
func NewSlotService(cfg SlotConfig, voices domain.VoiceRepository, queue domain.SlotQueue, locks domain.Locker, tasks domain.TaskDispatcher, recorder *EventRecorder) *SlotService {
	return &SlotService{cfg: cfg, voices: voices, queue: queue, locks: locks, tasks: tasks, recorder: recorder}
}

// EnsureActiveVoice drives a voice toward holding a live upstream slot.
// Exactly one of three answers comes back: the voice is ready, an allocation
// is in flight, or the voice waits in the queue.
func (s *SlotService) EnsureActiveVoice(ctx domain.Context, voiceID string) (SlotState, error) {
	v, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
	}
	// A voice with a live clone can still synthesize even if its recording
	// was lost; only a voice with neither is unusable.
	if !v.HasSample() && v.RemoteVoiceID == nil {
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", domain.ErrVoiceSampleMissing)
	}

	if v.AllocationStatus == domain.AllocationReady && v.RemoteVoiceID != nil {
		s.touch(ctx, &v)
		return SlotState{Status: SlotReady, RemoteVoiceID: *v.RemoteVoiceID, Provider: v.ServiceProvider}, nil
	}
	if v.AllocationStatus == domain.AllocationAllocating {
		return SlotState{Status: SlotAllocating, Provider: v.ServiceProvider}, nil
	}
	if queued, err := s.queue.IsEnqueued(ctx, v.ID); err == nil && queued {
		return s.queuedState(ctx, v)
	}

	ok, err := s.locks.TryAcquire(ctx, allocLockKey(v.ID), s.cfg.SlotLockTTL)
	if err != nil {
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w: %w", domain.ErrSlotManager, err)
	}
	if !ok {
		// Another request is driving this voice through the same transition.
		return SlotState{Status: SlotAllocating, Provider: v.ServiceProvider}, nil
	}
	s.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventSlotLockAcquired, "", nil)

	// Re-read under the lock: the state may have moved while we raced for it.
	v, err = s.voices.Get(ctx, voiceID)
	if err != nil {
		_ = s.locks.Release(ctx, allocLockKey(voiceID))
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
	}
	if v.AllocationStatus == domain.AllocationReady && v.RemoteVoiceID != nil {
		_ = s.locks.Release(ctx, allocLockKey(v.ID))
		s.touch(ctx, &v)
		return SlotState{Status: SlotReady, RemoteVoiceID: *v.RemoteVoiceID, Provider: v.ServiceProvider}, nil
	}

	payload := domain.AllocationPayload{
		VoiceID:            v.ID,
		RecordingObjectKey: v.RecordingObjectKey,
		Filename:           v.SampleFilename,
		UserID:             v.OwnerUserID,
		VoiceName:          v.Name,
		ServiceProvider:    v.ServiceProvider,
	}

	active, err := s.voices.CountActive(ctx, v.ServiceProvider)
	if err != nil {
		_ = s.locks.Release(ctx, allocLockKey(v.ID))
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
	}
	if active >= s.cfg.SlotLimit {
		// No capacity: park the voice in the queue; the drain beat or a
		// freed slot picks it up.
		if err := s.queue.Enqueue(ctx, v.ID, payload, 0); err != nil {
			_ = s.locks.Release(ctx, allocLockKey(v.ID))
			return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
		}
		s.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventAllocationQueued, "capacity exhausted",
			map[string]any{"active": active, "slot_limit": s.cfg.SlotLimit, "provider": v.ServiceProvider})
		_ = s.locks.Release(ctx, allocLockKey(v.ID))
		s.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventSlotLockReleased, "", nil)
		return s.queuedState(ctx, v)
	}

	now := time.Now().UTC()
	hold := now.Add(s.cfg.SlotLockTTL)
	prevStatus, prevHold := v.Status, v.SlotLockExpiresAt
	v.Status = domain.VoiceProcessing
	v.AllocationStatus = domain.AllocationAllocating
	v.SlotLockExpiresAt = &hold
	if err := s.voices.Update(ctx, v); err != nil {
		_ = s.locks.Release(ctx, allocLockKey(v.ID))
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
	}
	if err := s.tasks.DispatchAllocation(ctx, payload); err != nil {
		// Roll the row back so a later request retries cleanly.
		v.Status = prevStatus
		v.AllocationStatus = domain.AllocationRecorded
		v.SlotLockExpiresAt = prevHold
		if uerr := s.voices.Update(ctx, v); uerr != nil {
			slog.Error("allocation status rollback failed", slog.String("voice_id", v.ID), slog.Any("error", uerr))
		}
		_ = s.locks.Release(ctx, allocLockKey(v.ID))
		return SlotState{}, fmt.Errorf("op=slots.ensure: %w", err)
	}
	// The dispatched task inherits the lock and clears it when the upstream
	// call settles; the TTL covers a crashed worker.
	return SlotState{Status: SlotAllocating, Provider: v.ServiceProvider}, nil
}

// VoiceSlotStatus reports the queue position for one voice without driving
// any transition.
func (s *SlotService) VoiceSlotStatus(ctx domain.Context, voiceID string) (SlotState, error) {
	v, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return SlotState{}, fmt.Errorf("op=slots.status: %w", err)
	}
	switch {
	case v.AllocationStatus == domain.AllocationReady && v.RemoteVoiceID != nil:
		return SlotState{Status: SlotReady, RemoteVoiceID: *v.RemoteVoiceID, Provider: v.ServiceProvider}, nil
	case v.AllocationStatus == domain.AllocationAllocating:
		return SlotState{Status: SlotAllocating, Provider: v.ServiceProvider}, nil
	default:
		return s.queuedState(ctx, v)
	}
}

func (s *SlotService) queuedState(ctx domain.Context, v domain.Voice) (SlotState, error) {
	st := SlotState{Status: SlotQueued, Provider: v.ServiceProvider}
	if pos, ok, err := s.queue.Position(ctx, v.ID); err == nil && ok {
		st.QueuePosition = pos
	}
	if n, err := s.queue.Length(ctx); err == nil {
		st.QueueLength = n
	}
	return st, nil
}

// touch extends the warm hold of a ready voice on use.
func (s *SlotService) touch(ctx domain.Context, v *domain.Voice) {
	now := time.Now().UTC()
	hold := now.Add(s.cfg.WarmHold)
	v.LastUsedAt = &now
	v.SlotLockExpiresAt = &hold
	if err := s.voices.Update(ctx, *v); err != nil {
		slog.Warn("voice touch failed", slog.String("voice_id", v.ID), slog.Any("error", err))
	}
}
