package domain

import "time"

// MessageRole identifica quien emitio un mensaje del dialogo.
type MessageRole string

const (
	RoleAssistant MessageRole = "assistant"
	RoleUser      MessageRole = "user"
)

// Message es una entrada inmutable del transcript; el orden define el transcript canonico.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// SpeakerLabel devuelve la etiqueta usada al renderizar el transcript.
func (m Message) SpeakerLabel() string {
	if m.Role == RoleAssistant {
		return "Tutor"
	}
	return "Student"
}
