package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// SlotEventRepo appends and reads the voice slot audit trail.
type SlotEventRepo struct{ Pool PgxPool }

// NewSlotEventRepo constructs a SlotEventRepo with the given pool.
func NewSlotEventRepo(p PgxPool) *SlotEventRepo { return &SlotEventRepo{Pool: p} }

// Append inserts one audit entry. Metadata is stored as JSONB.
func (r *SlotEventRepo) Append(ctx domain.Context, e domain.VoiceSlotEvent) error {
	tracer := otel.Tracer("repo.slot_events")
	ctx, span := tracer.Start(ctx, "slot_events.Append")
	defer span.End()
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("op=slot_event.append: %w", err)
		}
		meta = b
	}
	q := `INSERT INTO voice_slot_events (voice_id, user_id, event_type, reason, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, e.VoiceID, e.UserID, e.EventType, e.Reason, meta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=slot_event.append: %w", err)
	}
	return nil
}

// RecentEvents returns the newest entries first.
func (r *SlotEventRepo) RecentEvents(ctx domain.Context, limit int) ([]domain.VoiceSlotEvent, error) {
	tracer := otel.Tracer("repo.slot_events")
	ctx, span := tracer.Start(ctx, "slot_events.Recent")
	defer span.End()
	q := `SELECT id, voice_id, user_id, event_type, COALESCE(reason,''), metadata, created_at
		FROM voice_slot_events ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=slot_event.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.VoiceSlotEvent
	for rows.Next() {
		var e domain.VoiceSlotEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.VoiceID, &e.UserID, &e.EventType, &e.Reason, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=slot_event.recent: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("op=slot_event.recent: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=slot_event.recent: %w", err)
	}
	return out, nil
}

// DetachVoice nulls the voice reference on historical events so the audit
// trail survives voice deletion.
func (r *SlotEventRepo) DetachVoice(ctx domain.Context, voiceID string) error {
	tracer := otel.Tracer("repo.slot_events")
	ctx, span := tracer.Start(ctx, "slot_events.DetachVoice")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE voice_slot_events SET voice_id=NULL WHERE voice_id=$1`, voiceID)
	if err != nil {
		return fmt.Errorf("op=slot_event.detach_voice: %w", err)
	}
	return nil
}
