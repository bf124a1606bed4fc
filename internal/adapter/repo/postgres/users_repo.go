package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// UserRepo reads user rows. Account management lives in the auth gateway;
// this service only consumes identities and the cached balance.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, email, credits_balance, created_at FROM users WHERE id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.CreditsBalance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// StoryRepo reads stories from the shared content tables.
type StoryRepo struct{ Pool PgxPool }

// NewStoryRepo constructs a StoryRepo with the given pool.
func NewStoryRepo(p PgxPool) *StoryRepo { return &StoryRepo{Pool: p} }

// Get loads a story by id.
func (r *StoryRepo) Get(ctx domain.Context, id string) (domain.Story, error) {
	tracer := otel.Tracer("repo.stories")
	ctx, span := tracer.Start(ctx, "stories.Get")
	defer span.End()
	q := `SELECT id, title, content FROM stories WHERE id=$1`
	var s domain.Story
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Title, &s.Content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Story{}, fmt.Errorf("op=story.get: %w", domain.ErrNotFound)
		}
		return domain.Story{}, fmt.Errorf("op=story.get: %w", err)
	}
	return s, nil
}
