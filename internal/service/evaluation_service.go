package service

import (
	"context"

	"go.uber.org/zap"

	"english-tutor/internal/domain"
	"english-tutor/internal/llm"
)

const fallbackFeedback = "Good effort! You showed understanding of the main concepts. Keep practicing to improve your vocabulary and attention to details."

// FallbackEvaluation es la evaluacion fija usada cuando el LLM falla o responde algo no parseable.
func FallbackEvaluation() domain.Evaluation {
	return domain.Evaluation{
		Accuracy:               75,
		MainIdea:               80,
		DetailTracking:         70,
		Vocabulary:             75,
		EmotionalUnderstanding: 80,
		OverallFeedback:        fallbackFeedback,
	}
}

// EvaluationService usa el LLM para puntuar el transcript de un dialogo.
type EvaluationService struct {
	llmClient llm.LLMClient
	prompts   DialoguePromptBuilder
	parser    EvaluationParser
	logger    *zap.Logger
}

func NewEvaluationService(llmClient llm.LLMClient, logger *zap.Logger) *EvaluationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluationService{
		llmClient: llmClient,
		prompts:   DialoguePromptBuilder{},
		parser:    DefaultEvaluationParser,
		logger:    logger,
	}
}

// Evaluate genera la evaluacion del transcript. Nunca devuelve error: ante fallas del
// backend o respuestas malformadas usa FallbackEvaluation e indica fromModel=false.
func (s *EvaluationService) Evaluate(ctx context.Context, lessonTitle, lessonDescription string, transcript []domain.Message) (eval domain.Evaluation, fromModel bool) {
	prompt := s.prompts.BuildEvaluationPrompt(lessonTitle, lessonDescription, transcript)

	raw, err := s.llmClient.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("evaluation generate failed, using fallback", zap.Error(err), zap.Int("transcript_len", len(transcript)))
		return FallbackEvaluation(), false
	}

	parsed, err := s.parser.Parse(raw)
	if err != nil {
		s.logger.Warn("evaluation parse failed, using fallback", zap.Error(err), zap.Int("raw_len", len(raw)))
		return FallbackEvaluation(), false
	}

	return parsed, true
}
