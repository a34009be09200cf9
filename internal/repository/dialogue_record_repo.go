package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"english-tutor/internal/domain"
)

// DialogueRecordRepository es el adaptador de persistencia de dialogos terminados.
type DialogueRecordRepository interface {
	Save(ctx context.Context, record domain.DialogueRecord) error
	ListByUserAndLesson(ctx context.Context, userID, lessonID string) ([]domain.DialogueRecord, error)
}

// PgDialogueRecordRepository guarda los dialogos en la tabla student_answers.
type PgDialogueRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPgDialogueRecordRepository(pool *pgxpool.Pool) *PgDialogueRecordRepository {
	return &PgDialogueRecordRepository{pool: pool}
}

func (r *PgDialogueRecordRepository) Save(ctx context.Context, record domain.DialogueRecord) error {
	const query = `
		INSERT INTO student_answers (id, lesson_id, question_id, user_id, dialogue_record, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.LessonID,
		record.QuestionID,
		record.UserID,
		record.TranscriptText,
		record.EvaluationText,
		record.CreatedAt,
	)
	return err
}

func (r *PgDialogueRecordRepository) ListByUserAndLesson(ctx context.Context, userID, lessonID string) ([]domain.DialogueRecord, error) {
	const query = `
		SELECT id, lesson_id, question_id, user_id, dialogue_record, feedback, created_at
		FROM student_answers
		WHERE user_id = $1 AND lesson_id = $2 AND question_id = $3
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID, lessonID, domain.DialogueQuestionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.DialogueRecord{}
	for rows.Next() {
		var rec domain.DialogueRecord
		err = rows.Scan(
			&rec.ID,
			&rec.LessonID,
			&rec.QuestionID,
			&rec.UserID,
			&rec.TranscriptText,
			&rec.EvaluationText,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
