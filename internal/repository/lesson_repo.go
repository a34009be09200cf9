package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"english-tutor/internal/domain"
)

type LessonRepository interface {
	GetByID(ctx context.Context, id string) (domain.Lesson, error)
}

type PgLessonRepository struct {
	pool *pgxpool.Pool
}

func NewPgLessonRepository(pool *pgxpool.Pool) *PgLessonRepository {
	return &PgLessonRepository{pool: pool}
}

func (r *PgLessonRepository) GetByID(ctx context.Context, id string) (domain.Lesson, error) {
	const query = `
		SELECT id, title, COALESCE(description, ''), COALESCE(video_url, ''), COALESCE(course_id::text, '')
		FROM lesson_items
		WHERE id = $1
	`
	var lesson domain.Lesson
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&lesson.ID,
		&lesson.Title,
		&lesson.Description,
		&lesson.VideoURL,
		&lesson.CourseID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lesson{}, ErrNotFound
	}
	return lesson, err
}
