package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// SynthesisConfig carries the orchestrator tunables.
type SynthesisConfig struct {
	UnitSize          int
	MaxAttempts       int
	DedupTTL          time.Duration
	QueuePollInterval time.Duration
	WarmHold          time.Duration
	PresignTTL        time.Duration
	SourcePriority    []domain.CreditSource
}

// SynthesisTicket is the answer to one synthesis request.
type SynthesisTicket struct {
	AudioRequestID string
	Status         domain.AudioStatus
	CreditsCharged int
	AlreadyPaid    bool
	ObjectKey      string
	Slot           SlotState
	// Insufficient is set instead of an error when the user cannot afford
	// the story.
	Insufficient *domain.InsufficientCreditsError
}

// SynthesisService orchestrates story narration: charge, ensure a slot,
// dispatch the render, serve the result.
type SynthesisService struct {
	cfg      SynthesisConfig
	voices   domain.VoiceRepository
	stories  domain.StoryRepository
	audio    domain.AudioRequestRepository
	ledger   domain.Ledger
	locks    domain.Locker
	tasks    domain.TaskDispatcher
	provs    domain.ProviderRegistry
	store    domain.ObjectStore
	slots    *SlotService
	recorder *EventRecorder
}

// NewSynthesisService wires the orchestrator.
func NewSynthesisService(cfg SynthesisConfig, voices domain.VoiceRepository, stories domain.StoryRepository, audio domain.AudioRequestRepository, ledger domain.Ledger, locks domain.Locker, tasks domain.TaskDispatcher, provs domain.ProviderRegistry, store domain.ObjectStore, slots *SlotService, recorder *EventRecorder) *SynthesisService {
	return &SynthesisService{
		cfg: cfg, voices: voices, stories: stories, audio: audio, ledger: ledger,
		locks: locks, tasks: tasks, provs: provs, store: store, slots: slots, recorder: recorder,
	}
}

// RequestSynthesis is the request-path entry point. It is idempotent per
// (story, voice): an existing render is returned, an in-flight one is
// reported, and only a genuinely new request charges credits and dispatches
// work.
func (s *SynthesisService) RequestSynthesis(ctx domain.Context, userID, voiceID, storyID string) (SynthesisTicket, error) {
	v, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}
	if v.OwnerUserID != userID {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", domain.ErrForbidden)
	}
	if !v.HasSample() && v.RemoteVoiceID == nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", domain.ErrVoiceSampleMissing)
	}
	story, err := s.stories.Get(ctx, storyID)
	if err != nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}
	cost := domain.CostForText(story.Content, s.cfg.UnitSize)

	existing, err := s.audio.GetByStoryVoice(ctx, storyID, voiceID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}
	if err == nil {
		switch existing.Status {
		case domain.AudioReady:
			if existing.ObjectKey != nil {
				if _, herr := s.store.Head(ctx, *existing.ObjectKey); herr == nil {
					return ticketFor(existing, cost), nil
				}
				// Object vanished under the row; fall through and re-render.
			}
		case domain.AudioPending, domain.AudioProcessing:
			return ticketFor(existing, cost), nil
		}
	}

	ok, err := s.locks.TryAcquire(ctx, dedupKey(voiceID, storyID), s.cfg.DedupTTL)
	if err != nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}
	if !ok {
		// A twin request won the race moments ago; report its row. The guard
		// expires on its own.
		if twin, terr := s.audio.GetByStoryVoice(ctx, storyID, voiceID); terr == nil {
			return ticketFor(twin, cost), nil
		}
		return SynthesisTicket{Status: domain.AudioPending, CreditsCharged: cost}, nil
	}

	var req domain.AudioRequest
	if existing.ID != "" {
		// Re-render after an error or a lost object.
		req = existing
		req.Status = domain.AudioPending
		req.ErrorMessage = ""
		req.ObjectKey = nil
		if err := s.audio.Update(ctx, req); err != nil {
			return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
		}
	} else {
		req = domain.AudioRequest{StoryID: storyID, VoiceID: voiceID, UserID: userID, Status: domain.AudioPending}
		req.ID, err = s.audio.Create(ctx, req)
		if err != nil {
			return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
		}
	}

	debit, err := s.ledger.Debit(ctx, userID, cost, req.ID, storyID, "story synthesis", s.cfg.SourcePriority)
	if err != nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}
	if debit.Insufficient != nil {
		// The attempt never happened: unwind the provisional row rather than
		// leaving an error behind.
		if existing.ID != "" {
			if uerr := s.audio.Update(ctx, existing); uerr != nil {
				slog.Warn("audio request restore failed", slog.String("audio_request_id", existing.ID), slog.Any("error", uerr))
			}
		} else if derr := s.audio.Delete(ctx, req.ID); derr != nil {
			slog.Warn("audio request rollback failed", slog.String("audio_request_id", req.ID), slog.Any("error", derr))
		}
		return SynthesisTicket{Insufficient: debit.Insufficient}, nil
	}
	req.CreditsCharged = &cost
	if err := s.audio.Update(ctx, req); err != nil {
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}

	slot, err := s.slots.EnsureActiveVoice(ctx, voiceID)
	if err != nil {
		// Charged but cannot even start: give the credits back.
		s.failAndRefund(ctx, req, fmt.Sprintf("slot allocation failed: %v", err))
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}

	p := domain.SynthesisPayload{
		AudioRequestID: req.ID,
		VoiceID:        voiceID,
		StoryID:        storyID,
		Text:           story.Content,
	}
	if err := s.tasks.DispatchSynthesis(ctx, p, 0); err != nil {
		s.failAndRefund(ctx, req, fmt.Sprintf("dispatch failed: %v", err))
		return SynthesisTicket{}, fmt.Errorf("op=synth.request: %w", err)
	}

	return SynthesisTicket{
		AudioRequestID: req.ID,
		Status:         domain.AudioPending,
		CreditsCharged: cost,
		AlreadyPaid:    debit.AlreadyPaid,
		Slot:           slot,
	}, nil
}

// HandleSynthesize is the worker-path entry point: one render attempt.
func (s *SynthesisService) HandleSynthesize(ctx domain.Context, p domain.SynthesisPayload) error {
	req, err := s.audio.Get(ctx, p.AudioRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=synth.handle: %w", err)
	}
	if req.Status == domain.AudioReady {
		return nil
	}

	slot, err := s.slots.EnsureActiveVoice(ctx, p.VoiceID)
	if err != nil {
		s.failAndRefund(ctx, req, fmt.Sprintf("voice unavailable: %v", err))
		return nil
	}
	if slot.Status != SlotReady {
		p.Attempts++
		if p.Attempts >= s.cfg.MaxAttempts {
			s.failAndRefund(ctx, req, "voice allocation timed out")
			return nil
		}
		if err := s.tasks.DispatchSynthesis(ctx, p, s.cfg.QueuePollInterval); err != nil {
			return fmt.Errorf("op=synth.handle: %w", err)
		}
		slog.Info("voice not ready, synthesis rescheduled",
			slog.String("audio_request_id", req.ID), slog.Int("attempt", p.Attempts),
			slog.String("slot_status", slot.Status))
		return nil
	}

	if req.Status != domain.AudioProcessing {
		req.Status = domain.AudioProcessing
		if err := s.audio.Update(ctx, req); err != nil {
			return fmt.Errorf("op=synth.handle: %w", err)
		}
	}

	prov, err := s.provs.Provider(slot.Provider)
	if err != nil {
		s.failAndRefund(ctx, req, err.Error())
		return nil
	}
	data, err := prov.SynthesizeSpeech(ctx, slot.RemoteVoiceID, p.Text)
	if err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) && p.Attempts+1 < s.cfg.MaxAttempts {
			p.Attempts++
			if derr := s.tasks.DispatchSynthesis(ctx, p, rl.RetryAfter); derr == nil {
				return nil
			}
		}
		s.failAndRefund(ctx, req, fmt.Sprintf("synthesis failed: %v", err))
		return nil
	}

	key := audioObjectKey(req.VoiceID, req.StoryID)
	meta := map[string]string{"voice_id": req.VoiceID, "story_id": req.StoryID}
	if err := s.store.Upload(ctx, key, data, "audio/mpeg", meta); err != nil {
		s.failAndRefund(ctx, req, fmt.Sprintf("audio upload failed: %v", err))
		return nil
	}

	size := int64(len(data))
	duration := mp3Duration(size)
	req.Status = domain.AudioReady
	req.ObjectKey = &key
	req.ErrorMessage = ""
	req.FileSizeBytes = &size
	req.DurationSeconds = &duration
	if err := s.audio.Update(ctx, req); err != nil {
		return fmt.Errorf("op=synth.handle: %w", err)
	}

	// Using the slot refreshes its warm hold.
	if v, verr := s.voices.Get(ctx, p.VoiceID); verr == nil {
		now := time.Now().UTC()
		hold := now.Add(s.cfg.WarmHold)
		v.LastUsedAt = &now
		v.SlotLockExpiresAt = &hold
		if uerr := s.voices.Update(ctx, v); uerr != nil {
			slog.Warn("warm hold refresh failed", slog.String("voice_id", v.ID), slog.Any("error", uerr))
		}
		s.recorder.Record(ctx, v.ID, v.OwnerUserID, domain.EventSlotLockReleased, "synthesis complete",
			map[string]any{"audio_request_id": req.ID, "provider": v.ServiceProvider})
	}
	slog.Info("synthesis complete", slog.String("audio_request_id", req.ID),
		slog.Int64("bytes", size), slog.Float64("duration_s", duration))
	return nil
}

// AudioURL returns a presigned download URL for a finished render.
func (s *SynthesisService) AudioURL(ctx domain.Context, userID, voiceID, storyID string) (string, error) {
	req, err := s.ownedReadyRequest(ctx, userID, voiceID, storyID)
	if err != nil {
		return "", err
	}
	disposition := fmt.Sprintf(`attachment; filename="story_%s.mp3"`, storyID)
	url, err := s.store.PresignedURL(ctx, *req.ObjectKey, s.cfg.PresignTTL, disposition)
	if err != nil {
		return "", fmt.Errorf("op=synth.audio_url: %w", err)
	}
	return url, nil
}

// AudioExists reports whether a finished render is actually present in
// storage, with its size.
func (s *SynthesisService) AudioExists(ctx domain.Context, userID, voiceID, storyID string) (bool, int64, error) {
	req, err := s.ownedReadyRequest(ctx, userID, voiceID, storyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	size, err := s.store.Head(ctx, *req.ObjectKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("op=synth.audio_exists: %w", err)
	}
	return true, size, nil
}

// AudioBytes loads a finished render for direct streaming.
func (s *SynthesisService) AudioBytes(ctx domain.Context, userID, voiceID, storyID string) ([]byte, error) {
	req, err := s.ownedReadyRequest(ctx, userID, voiceID, storyID)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Download(ctx, *req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("op=synth.audio_bytes: %w", err)
	}
	return data, nil
}

// RequestStatus reports one audio request row for polling.
func (s *SynthesisService) RequestStatus(ctx domain.Context, userID, voiceID, storyID string) (domain.AudioRequest, error) {
	req, err := s.audio.GetByStoryVoice(ctx, storyID, voiceID)
	if err != nil {
		return domain.AudioRequest{}, fmt.Errorf("op=synth.status: %w", err)
	}
	if req.UserID != userID {
		return domain.AudioRequest{}, fmt.Errorf("op=synth.status: %w", domain.ErrForbidden)
	}
	return req, nil
}

func (s *SynthesisService) ownedReadyRequest(ctx domain.Context, userID, voiceID, storyID string) (domain.AudioRequest, error) {
	req, err := s.audio.GetByStoryVoice(ctx, storyID, voiceID)
	if err != nil {
		return domain.AudioRequest{}, fmt.Errorf("op=synth.lookup: %w", err)
	}
	if req.UserID != userID {
		return domain.AudioRequest{}, fmt.Errorf("op=synth.lookup: %w", domain.ErrForbidden)
	}
	if req.Status != domain.AudioReady || req.ObjectKey == nil {
		return domain.AudioRequest{}, fmt.Errorf("op=synth.lookup: %w", domain.ErrNotFound)
	}
	return req, nil
}

// failAndRefund marks the request failed and returns its credits. Both steps
// are idempotent, so a retried task cannot double-refund.
func (s *SynthesisService) failAndRefund(ctx domain.Context, req domain.AudioRequest, reason string) {
	req.Status = domain.AudioError
	req.ErrorMessage = reason
	if err := s.audio.Update(ctx, req); err != nil {
		slog.Error("audio request failure update failed",
			slog.String("audio_request_id", req.ID), slog.Any("error", err))
	}
	refunded, err := s.ledger.RefundByAudioRequest(ctx, req.UserID, req.ID, reason)
	if err != nil {
		slog.Error("refund failed", slog.String("audio_request_id", req.ID), slog.Any("error", err))
		return
	}
	if refunded {
		slog.Info("credits refunded", slog.String("audio_request_id", req.ID), slog.String("reason", reason))
	}
}

func audioObjectKey(voiceID, storyID string) string {
	return fmt.Sprintf("audio_stories/%s/%s.mp3", voiceID, storyID)
}

// mp3Duration estimates play time from size at the fixed 128 kbit/s encode
// rate.
func mp3Duration(sizeBytes int64) float64 {
	return float64(sizeBytes) * 8 / 128000
}

func ticketFor(req domain.AudioRequest, cost int) SynthesisTicket {
	t := SynthesisTicket{AudioRequestID: req.ID, Status: req.Status, CreditsCharged: cost}
	if req.CreditsCharged != nil {
		t.CreditsCharged = *req.CreditsCharged
		t.AlreadyPaid = true
	}
	if req.ObjectKey != nil {
		t.ObjectKey = *req.ObjectKey
	}
	return t
}
