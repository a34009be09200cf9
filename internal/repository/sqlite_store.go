package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"english-tutor/internal/domain"
)

// SQLiteStore implementa LessonRepository y DialogueRecordRepository para uso local
// cuando no hay DATABASE_URL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore abre (o crea) la base en dbPath. ":memory:" sirve para tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Cada conexion nueva veria una base vacia distinta.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const query = `
	CREATE TABLE IF NOT EXISTS lesson_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		video_url TEXT NOT NULL DEFAULT '',
		course_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS student_answers (
		id TEXT PRIMARY KEY,
		lesson_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		dialogue_record TEXT NOT NULL,
		feedback TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_student_answers_user_lesson ON student_answers(user_id, lesson_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertLesson carga o actualiza una leccion; lo usan el seed local y los tests.
func (s *SQLiteStore) UpsertLesson(ctx context.Context, lesson domain.Lesson) error {
	const query = `
		INSERT INTO lesson_items (id, title, description, video_url, course_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			video_url = excluded.video_url,
			course_id = excluded.course_id`
	_, err := s.db.ExecContext(ctx, query, lesson.ID, lesson.Title, lesson.Description, lesson.VideoURL, lesson.CourseID)
	return err
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (domain.Lesson, error) {
	const query = `SELECT id, title, description, video_url, course_id FROM lesson_items WHERE id = ?`

	var lesson domain.Lesson
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&lesson.ID,
		&lesson.Title,
		&lesson.Description,
		&lesson.VideoURL,
		&lesson.CourseID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lesson{}, ErrNotFound
	}
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("scan lesson row: %w", err)
	}
	return lesson, nil
}

func (s *SQLiteStore) Save(ctx context.Context, record domain.DialogueRecord) error {
	const query = `
		INSERT INTO student_answers (id, lesson_id, question_id, user_id, dialogue_record, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.LessonID,
		record.QuestionID,
		record.UserID,
		record.TranscriptText,
		record.EvaluationText,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert dialogue record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByUserAndLesson(ctx context.Context, userID, lessonID string) ([]domain.DialogueRecord, error) {
	const query = `
		SELECT id, lesson_id, question_id, user_id, dialogue_record, feedback, created_at
		FROM student_answers
		WHERE user_id = ? AND lesson_id = ? AND question_id = ?
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, lessonID, domain.DialogueQuestionID)
	if err != nil {
		return nil, fmt.Errorf("query dialogue records: %w", err)
	}
	defer rows.Close()

	records := []domain.DialogueRecord{}
	for rows.Next() {
		var (
			rec       domain.DialogueRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.LessonID, &rec.QuestionID, &rec.UserID, &rec.TranscriptText, &rec.EvaluationText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dialogue record: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
