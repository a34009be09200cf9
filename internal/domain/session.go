package domain

// SessionPhase es la etapa del ciclo de vida de un dialogo.
type SessionPhase string

const (
	PhaseUninitialized SessionPhase = "uninitialized"
	PhaseInitializing  SessionPhase = "initializing"
	PhaseActive        SessionPhase = "active"
	PhaseEvaluating    SessionPhase = "evaluating"
	PhaseEvaluated     SessionPhase = "evaluated"
	PhaseSaving        SessionPhase = "saving"
	PhaseSaved         SessionPhase = "saved"
	// PhaseFailed solo se registra en logs; el controlador nunca se queda en este estado.
	PhaseFailed SessionPhase = "failed"
)

// DialogueSession es el estado de un dialogo de tutoria ligado a una leccion.
type DialogueSession struct {
	LessonTitle       string       `json:"lesson_title"`
	LessonDescription string       `json:"lesson_description"`
	Messages          []Message    `json:"messages"`
	Evaluation        *Evaluation  `json:"evaluation,omitempty"`
	Phase             SessionPhase `json:"phase"`
}

// DialogueSnapshot es una copia de solo lectura del dialogo para la UI.
type DialogueSnapshot struct {
	DialogueSession
	PendingInput string `json:"pending_input,omitempty"`
	Busy         bool   `json:"busy"`
	Generation   uint64 `json:"generation"`
}

// UserTurns cuenta los mensajes del estudiante en el transcript.
func (s DialogueSession) UserTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
