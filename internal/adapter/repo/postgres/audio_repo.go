package postgres

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

const audioColumns = `id, story_id, voice_id, user_id, status, object_key, COALESCE(error_message,''),
	credits_charged, duration_seconds, file_size_bytes, created_at, updated_at`

// AudioRequestRepo persists synthesis attempts. IDs are ULIDs so listings
// sort by creation time.
type AudioRequestRepo struct{ Pool PgxPool }

// NewAudioRequestRepo constructs an AudioRequestRepo with the given pool.
func NewAudioRequestRepo(p PgxPool) *AudioRequestRepo { return &AudioRequestRepo{Pool: p} }

// Create stores a new audio request and returns its id (generates one if empty).
func (r *AudioRequestRepo) Create(ctx domain.Context, a domain.AudioRequest) (string, error) {
	tracer := otel.Tracer("repo.audio_requests")
	ctx, span := tracer.Start(ctx, "audio_requests.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	}
	q := `INSERT INTO audio_requests (id, story_id, voice_id, user_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, a.StoryID, a.VoiceID, a.UserID, a.Status, now, now)
	if err != nil {
		return "", fmt.Errorf("op=audio.create: %w", err)
	}
	return id, nil
}

// Get loads an audio request by id.
func (r *AudioRequestRepo) Get(ctx domain.Context, id string) (domain.AudioRequest, error) {
	tracer := otel.Tracer("repo.audio_requests")
	ctx, span := tracer.Start(ctx, "audio_requests.Get")
	defer span.End()
	q := `SELECT ` + audioColumns + ` FROM audio_requests WHERE id=$1`
	a, err := scanAudio(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AudioRequest{}, fmt.Errorf("op=audio.get: %w", domain.ErrNotFound)
		}
		return domain.AudioRequest{}, fmt.Errorf("op=audio.get: %w", err)
	}
	return a, nil
}

// GetByStoryVoice loads the unique request for one (story, voice) pair.
func (r *AudioRequestRepo) GetByStoryVoice(ctx domain.Context, storyID, voiceID string) (domain.AudioRequest, error) {
	tracer := otel.Tracer("repo.audio_requests")
	ctx, span := tracer.Start(ctx, "audio_requests.GetByStoryVoice")
	defer span.End()
	q := `SELECT ` + audioColumns + ` FROM audio_requests WHERE story_id=$1 AND voice_id=$2`
	a, err := scanAudio(r.Pool.QueryRow(ctx, q, storyID, voiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AudioRequest{}, fmt.Errorf("op=audio.get_by_story_voice: %w", domain.ErrNotFound)
		}
		return domain.AudioRequest{}, fmt.Errorf("op=audio.get_by_story_voice: %w", err)
	}
	return a, nil
}

// Update writes the mutable audio request columns.
func (r *AudioRequestRepo) Update(ctx domain.Context, a domain.AudioRequest) error {
	tracer := otel.Tracer("repo.audio_requests")
	ctx, span := tracer.Start(ctx, "audio_requests.Update")
	defer span.End()
	q := `UPDATE audio_requests SET status=$2, object_key=$3, error_message=$4, credits_charged=$5,
		duration_seconds=$6, file_size_bytes=$7, updated_at=$8 WHERE id=$1`
	ct, err := r.Pool.Exec(ctx, q, a.ID, a.Status, a.ObjectKey, a.ErrorMessage, a.CreditsCharged,
		a.DurationSeconds, a.FileSizeBytes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=audio.update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=audio.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes an audio request row. A missing row is not an error: the
// caller may be unwinding a request that was never fully persisted.
func (r *AudioRequestRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.audio_requests")
	ctx, span := tracer.Start(ctx, "audio_requests.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM audio_requests WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=audio.delete: %w", err)
	}
	return nil
}

func scanAudio(row pgx.Row) (domain.AudioRequest, error) {
	var a domain.AudioRequest
	err := row.Scan(&a.ID, &a.StoryID, &a.VoiceID, &a.UserID, &a.Status, &a.ObjectKey, &a.ErrorMessage,
		&a.CreditsCharged, &a.DurationSeconds, &a.FileSizeBytes, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
