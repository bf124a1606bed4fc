package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// VoiceService manages the voice life cycle outside allocation: sample
// upload and deletion.
type VoiceService struct {
	voices    domain.VoiceRepository
	events    domain.SlotEventRepository
	queue     domain.SlotQueue
	providers domain.ProviderRegistry
	store     domain.ObjectStore
	recorder  *EventRecorder
	preferred string
}

// NewVoiceService wires voice management.
func NewVoiceService(voices domain.VoiceRepository, events domain.SlotEventRepository, queue domain.SlotQueue, providers domain.ProviderRegistry, store domain.ObjectStore, recorder *EventRecorder, preferredProvider string) *VoiceService {
	return &VoiceService{
		voices: voices, events: events, queue: queue, providers: providers,
		store: store, recorder: recorder, preferred: preferredProvider,
	}
}

// Upload stores the recording and registers the voice. The recording key is
// written once here and never changes; every future reclone reads it.
func (s *VoiceService) Upload(ctx domain.Context, userID, name, filename, contentType string, data []byte) (domain.Voice, error) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	voiceID := uuid.New().String()
	key := fmt.Sprintf("voice_samples/%s/voice_%s_%s.%s", userID, voiceID, uuid.New().String(), ext)
	meta := map[string]string{"original_filename": filename}
	if err := s.store.Upload(ctx, key, data, contentType, meta); err != nil {
		return domain.Voice{}, fmt.Errorf("op=voices.upload: %w", err)
	}

	v := domain.Voice{
		ID:                 voiceID,
		OwnerUserID:        userID,
		Name:               name,
		RecordingObjectKey: key,
		SampleFilename:     filename,
		ServiceProvider:    s.preferred,
		Status:             domain.VoiceRecorded,
		AllocationStatus:   domain.AllocationRecorded,
	}
	id, err := s.voices.Create(ctx, v)
	if err != nil {
		// Best effort: do not leave an orphan sample behind.
		if derr := s.store.Delete(ctx, key); derr != nil {
			slog.Warn("orphan sample cleanup failed", slog.String("key", key), slog.Any("error", derr))
		}
		return domain.Voice{}, fmt.Errorf("op=voices.upload: %w", err)
	}
	v.ID = id
	s.recorder.Record(ctx, id, userID, domain.EventRecordingUploaded, "",
		map[string]any{"filename": filename, "bytes": len(data), "provider": s.preferred})
	return v, nil
}

// Get returns the voice if the caller owns it.
func (s *VoiceService) Get(ctx domain.Context, userID, voiceID string) (domain.Voice, error) {
	v, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return domain.Voice{}, fmt.Errorf("op=voices.get: %w", err)
	}
	if v.OwnerUserID != userID {
		return domain.Voice{}, fmt.Errorf("op=voices.get: %w", domain.ErrForbidden)
	}
	return v, nil
}

// Delete removes a voice everywhere: upstream slot, queue entry, stored
// sample and the row. The audit trail is kept with its voice reference
// nulled.
func (s *VoiceService) Delete(ctx domain.Context, userID, voiceID string) error {
	v, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("op=voices.delete: %w", err)
	}
	if v.OwnerUserID != userID {
		return fmt.Errorf("op=voices.delete: %w", domain.ErrForbidden)
	}

	if v.RemoteVoiceID != nil {
		prov, perr := s.providers.Provider(v.ServiceProvider)
		if perr == nil {
			if derr := prov.DeleteVoice(ctx, *v.RemoteVoiceID); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
				slog.Warn("upstream voice delete failed",
					slog.String("voice_id", v.ID), slog.Any("error", derr))
			}
		}
		s.recorder.Record(ctx, v.ID, userID, domain.EventSlotEvicted, "voice deleted",
			map[string]any{"remote_voice_id": *v.RemoteVoiceID, "provider": v.ServiceProvider})
	}

	if err := s.queue.Remove(ctx, v.ID); err != nil {
		slog.Warn("queue entry removal failed", slog.String("voice_id", v.ID), slog.Any("error", err))
	}
	if v.RecordingObjectKey != "" {
		if err := s.store.Delete(ctx, v.RecordingObjectKey); err != nil {
			slog.Warn("sample deletion failed", slog.String("voice_id", v.ID), slog.Any("error", err))
		}
	}
	if err := s.events.DetachVoice(ctx, v.ID); err != nil {
		return fmt.Errorf("op=voices.delete: %w", err)
	}
	if err := s.voices.Delete(ctx, v.ID); err != nil {
		return fmt.Errorf("op=voices.delete: %w", err)
	}
	return nil
}
