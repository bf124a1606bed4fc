package usecase

import (
	"fmt"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// ProviderSlots is the admin view of one provider's capacity.
type ProviderSlots struct {
	Provider  string         `json:"provider"`
	Active    int            `json:"active"`
	SlotLimit int            `json:"slot_limit"`
	Voices    []domain.Voice `json:"voices"`
}

// SlotStatusReport is the admin snapshot of the whole allocator.
type SlotStatusReport struct {
	Providers   []ProviderSlots           `json:"providers"`
	QueueLength int64                     `json:"queue_length"`
	Queue       []domain.QueuedAllocation `json:"queue"`
	Events      []domain.VoiceSlotEvent   `json:"recent_events"`
}

// AdminService produces read-only operator views.
type AdminService struct {
	slotLimit    int
	providerTags []string
	voices       domain.VoiceRepository
	queue        domain.SlotQueue
	events       domain.SlotEventRepository
}

// NewAdminService wires the admin snapshot.
func NewAdminService(slotLimit int, providerTags []string, voices domain.VoiceRepository, queue domain.SlotQueue, events domain.SlotEventRepository) *AdminService {
	return &AdminService{slotLimit: slotLimit, providerTags: providerTags, voices: voices, queue: queue, events: events}
}

// SlotStatus assembles per-provider occupancy, the waiting queue and the
// latest audit entries.
func (s *AdminService) SlotStatus(ctx domain.Context) (SlotStatusReport, error) {
	report := SlotStatusReport{}
	for _, tag := range s.providerTags {
		active, err := s.voices.CountActive(ctx, tag)
		if err != nil {
			return SlotStatusReport{}, fmt.Errorf("op=admin.slot_status: %w", err)
		}
		voices, err := s.voices.ActiveSnapshot(ctx, tag, s.slotLimit)
		if err != nil {
			return SlotStatusReport{}, fmt.Errorf("op=admin.slot_status: %w", err)
		}
		report.Providers = append(report.Providers, ProviderSlots{
			Provider: tag, Active: active, SlotLimit: s.slotLimit, Voices: voices,
		})
	}
	if n, err := s.queue.Length(ctx); err == nil {
		report.QueueLength = n
	}
	if snap, err := s.queue.Snapshot(ctx, 50); err == nil {
		report.Queue = snap
	}
	if events, err := s.events.RecentEvents(ctx, 50); err == nil {
		report.Events = events
	}
	return report, nil
}
