package observability

import (
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// SlotEventMetrics translates slot audit events into Prometheus counters.
// It plugs into the event recorder as a sink next to the Kafka mirror.
type SlotEventMetrics struct{}

// Publish maps one event to its counter; unknown types are ignored.
func (SlotEventMetrics) Publish(_ domain.Context, e domain.VoiceSlotEvent) error {
	provider, _ := e.Metadata["provider"].(string)
	if provider == "" {
		provider = "unknown"
	}
	switch e.EventType {
	case domain.EventAllocationCompleted:
		SlotAllocationsTotal.WithLabelValues(provider, "completed").Inc()
	case domain.EventAllocationFailed:
		SlotAllocationsTotal.WithLabelValues(provider, "failed").Inc()
	case domain.EventAllocationQueued:
		SlotAllocationsTotal.WithLabelValues(provider, "deferred").Inc()
	case domain.EventSlotEvicted:
		SlotEvictionsTotal.WithLabelValues(provider).Inc()
	}
	return nil
}
