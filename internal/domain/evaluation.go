package domain

import "fmt"

const (
	MinScore = 0
	MaxScore = 100
)

// Evaluation resume el desempeño del estudiante en cinco dimensiones (0-100) mas feedback.
type Evaluation struct {
	Accuracy               int    `json:"accuracy"`
	MainIdea               int    `json:"mainIdea"`
	DetailTracking         int    `json:"detailTracking"`
	Vocabulary             int    `json:"vocabulary"`
	EmotionalUnderstanding int    `json:"emotionalUnderstanding"`
	OverallFeedback        string `json:"overallFeedback"`
}

// Text renderiza la evaluacion como bloque de texto para persistir.
func (e Evaluation) Text() string {
	return fmt.Sprintf(`Evaluation Results:
Accuracy: %d/100
Main Idea Understanding: %d/100
Detail Tracking: %d/100
Vocabulary Usage: %d/100
Emotional Understanding: %d/100

Overall Feedback: %s`,
		e.Accuracy,
		e.MainIdea,
		e.DetailTracking,
		e.Vocabulary,
		e.EmotionalUnderstanding,
		e.OverallFeedback,
	)
}
