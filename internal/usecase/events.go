// Package usecase contains the application services: slot allocation,
// queue drain and reclaim, the synthesis orchestrator, voice management and
// credit operations. It depends only on the domain ports.
package usecase

import (
	"log/slog"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// EventRecorder appends audit events and fans them out to the optional
// sinks (Kafka mirror, metrics). The database append is authoritative; sink
// failures only log.
type EventRecorder struct {
	Events domain.SlotEventRepository
	Sinks  []domain.SlotEventSink
}

// NewEventRecorder constructs a recorder over zero or more sinks.
func NewEventRecorder(events domain.SlotEventRepository, sinks ...domain.SlotEventSink) *EventRecorder {
	return &EventRecorder{Events: events, Sinks: sinks}
}

// Record writes one event. Append failures are logged, not propagated, so a
// broken audit trail never blocks allocation or synthesis.
func (r *EventRecorder) Record(ctx domain.Context, voiceID, userID string, typ domain.SlotEventType, reason string, metadata map[string]any) {
	e := domain.VoiceSlotEvent{
		EventType: typ,
		Reason:    reason,
		Metadata:  metadata,
	}
	if voiceID != "" {
		e.VoiceID = &voiceID
	}
	if userID != "" {
		e.UserID = &userID
	}
	if err := r.Events.Append(ctx, e); err != nil {
		slog.Error("slot event append failed", slog.String("event_type", string(typ)), slog.Any("error", err))
		return
	}
	for _, sink := range r.Sinks {
		if err := sink.Publish(ctx, e); err != nil {
			slog.Warn("slot event sink failed", slog.String("event_type", string(typ)), slog.Any("error", err))
		}
	}
}
