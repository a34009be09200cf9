package domain

import "time"

// DialogueQuestionID identifica en student_answers los registros del dialogo interactivo.
const DialogueQuestionID = "interactive-dialogue"

// DialogueRecord es la escritura opaca que recibe el adaptador de persistencia.
type DialogueRecord struct {
	ID             string    `json:"id"`
	LessonID       string    `json:"lesson_id"`
	QuestionID     string    `json:"question_id"`
	UserID         string    `json:"user_id"`
	TranscriptText string    `json:"dialogue_record"`
	EvaluationText string    `json:"feedback"`
	CreatedAt      time.Time `json:"created_at"`
}
