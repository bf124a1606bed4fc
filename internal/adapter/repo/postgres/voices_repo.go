package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

const voiceColumns = `id, owner_user_id, name, recording_object_key, sample_filename, service_provider,
	remote_voice_id, status, allocation_status, allocated_at, last_used_at, slot_lock_expires_at,
	COALESCE(error_message,''), created_at, updated_at`

// VoiceRepo persists and loads voices using a minimal pgx pool.
type VoiceRepo struct{ Pool PgxPool }

// NewVoiceRepo constructs a VoiceRepo with the given pool.
func NewVoiceRepo(p PgxPool) *VoiceRepo { return &VoiceRepo{Pool: p} }

// Create stores a new voice and returns its id (generates one if empty).
func (r *VoiceRepo) Create(ctx domain.Context, v domain.Voice) (string, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "voices"),
	)
	id := v.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO voices (id, owner_user_id, name, recording_object_key, sample_filename, service_provider,
		status, allocation_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, v.OwnerUserID, v.Name, v.RecordingObjectKey, v.SampleFilename,
		v.ServiceProvider, v.Status, v.AllocationStatus, now, now)
	if err != nil {
		return "", fmt.Errorf("op=voice.create: %w", err)
	}
	return id, nil
}

// Get loads a voice by id.
func (r *VoiceRepo) Get(ctx domain.Context, id string) (domain.Voice, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.Get")
	defer span.End()
	q := `SELECT ` + voiceColumns + ` FROM voices WHERE id=$1`
	v, err := scanVoice(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Voice{}, fmt.Errorf("op=voice.get: %w", domain.ErrNotFound)
		}
		return domain.Voice{}, fmt.Errorf("op=voice.get: %w", err)
	}
	return v, nil
}

// GetByRemoteID resolves a voice from a remote clone id. Live slots match the
// column directly; evicted ones are recovered through the latest
// allocation_completed event that recorded the id in its metadata.
func (r *VoiceRepo) GetByRemoteID(ctx domain.Context, remoteID string) (domain.Voice, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.GetByRemoteID")
	defer span.End()
	q := `SELECT ` + voiceColumns + ` FROM voices WHERE remote_voice_id=$1`
	v, err := scanVoice(r.Pool.QueryRow(ctx, q, remoteID))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Voice{}, fmt.Errorf("op=voice.get_by_remote: %w", err)
	}
	hq := `SELECT ` + voiceColumns + ` FROM voices WHERE id = (
		SELECT e.voice_id FROM voice_slot_events e
		WHERE e.event_type = 'allocation_completed' AND e.metadata->>'remote_voice_id' = $1
		  AND e.voice_id IS NOT NULL
		ORDER BY e.created_at DESC LIMIT 1)`
	v, err = scanVoice(r.Pool.QueryRow(ctx, hq, remoteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Voice{}, fmt.Errorf("op=voice.get_by_remote: %w", domain.ErrNotFound)
		}
		return domain.Voice{}, fmt.Errorf("op=voice.get_by_remote: %w", err)
	}
	return v, nil
}

// Update writes the mutable voice columns.
func (r *VoiceRepo) Update(ctx domain.Context, v domain.Voice) error {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.Update")
	defer span.End()
	q := `UPDATE voices SET name=$2, remote_voice_id=$3, status=$4, allocation_status=$5,
		allocated_at=$6, last_used_at=$7, slot_lock_expires_at=$8, error_message=$9, updated_at=$10
		WHERE id=$1`
	ct, err := r.Pool.Exec(ctx, q, v.ID, v.Name, v.RemoteVoiceID, v.Status, v.AllocationStatus,
		v.AllocatedAt, v.LastUsedAt, v.SlotLockExpiresAt, v.ErrorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=voice.update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=voice.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes the voice row.
func (r *VoiceRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.Delete")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM voices WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=voice.delete: %w", err)
	}
	return nil
}

// CountActive counts voices charged against provider capacity: both ready
// holders and in-flight allocations.
func (r *VoiceRepo) CountActive(ctx domain.Context, provider string) (int, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.CountActive")
	defer span.End()
	q := `SELECT COUNT(*) FROM voices WHERE service_provider=$1 AND allocation_status IN ('ready','allocating')`
	var n int
	if err := r.Pool.QueryRow(ctx, q, provider).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=voice.count_active: %w", err)
	}
	observability.SlotsActive.WithLabelValues(provider).Set(float64(n))
	return n, nil
}

// ReclaimCandidates returns ready voices whose warm hold expired, least
// recently used first.
func (r *VoiceRepo) ReclaimCandidates(ctx domain.Context, provider string, cutoff time.Time, limit int) ([]domain.Voice, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.ReclaimCandidates")
	defer span.End()
	q := `SELECT ` + voiceColumns + ` FROM voices
		WHERE service_provider=$1 AND allocation_status='ready'
		  AND (slot_lock_expires_at IS NULL OR slot_lock_expires_at <= NOW())
		  AND (last_used_at IS NULL OR last_used_at <= $2)
		ORDER BY last_used_at ASC NULLS FIRST LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, provider, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=voice.reclaim_candidates: %w", err)
	}
	defer rows.Close()
	return collectVoices(rows, "op=voice.reclaim_candidates")
}

// ActiveSnapshot lists active voices for the admin status view.
func (r *VoiceRepo) ActiveSnapshot(ctx domain.Context, provider string, limit int) ([]domain.Voice, error) {
	tracer := otel.Tracer("repo.voices")
	ctx, span := tracer.Start(ctx, "voices.ActiveSnapshot")
	defer span.End()
	q := `SELECT ` + voiceColumns + ` FROM voices
		WHERE service_provider=$1 AND allocation_status IN ('ready','allocating')
		ORDER BY allocated_at DESC NULLS LAST LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("op=voice.active_snapshot: %w", err)
	}
	defer rows.Close()
	return collectVoices(rows, "op=voice.active_snapshot")
}

func scanVoice(row pgx.Row) (domain.Voice, error) {
	var v domain.Voice
	err := row.Scan(&v.ID, &v.OwnerUserID, &v.Name, &v.RecordingObjectKey, &v.SampleFilename,
		&v.ServiceProvider, &v.RemoteVoiceID, &v.Status, &v.AllocationStatus, &v.AllocatedAt,
		&v.LastUsedAt, &v.SlotLockExpiresAt, &v.ErrorMessage, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func collectVoices(rows pgx.Rows, op string) ([]domain.Voice, error) {
	var out []domain.Voice
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
