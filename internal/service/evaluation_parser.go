package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"english-tutor/internal/domain"
)

// ErrMalformedEvaluation indica que la respuesta del LLM no trae una evaluacion utilizable.
var ErrMalformedEvaluation = errors.New("malformed evaluation response")

var (
	fenceStart = regexp.MustCompile("(?is)^\\s*```(?:json)?\\s*")
	fenceEnd   = regexp.MustCompile("(?is)\\s*```\\s*$")
)

// EvaluationParser decodifica la salida del LLM evaluador en una domain.Evaluation.
type EvaluationParser struct{}

// DefaultEvaluationParser permite uso directo sin instanciar.
var DefaultEvaluationParser = EvaluationParser{}

type rawEvaluation struct {
	Accuracy               *float64 `json:"accuracy"`
	MainIdea               *float64 `json:"mainIdea"`
	DetailTracking         *float64 `json:"detailTracking"`
	Vocabulary             *float64 `json:"vocabulary"`
	EmotionalUnderstanding *float64 `json:"emotionalUnderstanding"`
	OverallFeedback        *string  `json:"overallFeedback"`
}

// Parse intenta decodificar raw como el objeto de evaluacion. Los puntajes fuera de
// rango o no enteros se redondean y recortan a [0,100]; cualquier clave faltante,
// tipo incorrecto o JSON invalido devuelve ErrMalformedEvaluation.
// Un overallFeedback presente pero vacio se reemplaza por el feedback por defecto.
func (EvaluationParser) Parse(raw string) (domain.Evaluation, error) {
	cleaned := cleanLLMJSONResponse(raw)
	if cleaned == "" {
		return domain.Evaluation{}, fmt.Errorf("%w: empty response", ErrMalformedEvaluation)
	}

	candidates := []string{cleaned}
	if obj := extractFirstJSONObject(cleaned); obj != "" && obj != cleaned {
		candidates = append(candidates, obj)
	}
	if obj := extractFirstJSONObject(raw); obj != "" && obj != cleaned {
		candidates = append(candidates, obj)
	}

	var lastErr error
	for _, candidate := range candidates {
		var tmp rawEvaluation
		if err := json.Unmarshal([]byte(candidate), &tmp); err != nil {
			lastErr = err
			continue
		}
		eval, err := tmp.toEvaluation()
		if err != nil {
			lastErr = err
			continue
		}
		return eval, nil
	}

	return domain.Evaluation{}, fmt.Errorf("%w: %v", ErrMalformedEvaluation, lastErr)
}

func (r rawEvaluation) toEvaluation() (domain.Evaluation, error) {
	scores := []struct {
		key string
		val *float64
	}{
		{"accuracy", r.Accuracy},
		{"mainIdea", r.MainIdea},
		{"detailTracking", r.DetailTracking},
		{"vocabulary", r.Vocabulary},
		{"emotionalUnderstanding", r.EmotionalUnderstanding},
	}
	for _, s := range scores {
		if s.val == nil {
			return domain.Evaluation{}, fmt.Errorf("missing %s", s.key)
		}
	}
	if r.OverallFeedback == nil {
		return domain.Evaluation{}, errors.New("missing overallFeedback")
	}

	feedback := strings.TrimSpace(*r.OverallFeedback)
	if feedback == "" {
		feedback = fallbackFeedback
	}

	return domain.Evaluation{
		Accuracy:               normalizeScore(*r.Accuracy),
		MainIdea:               normalizeScore(*r.MainIdea),
		DetailTracking:         normalizeScore(*r.DetailTracking),
		Vocabulary:             normalizeScore(*r.Vocabulary),
		EmotionalUnderstanding: normalizeScore(*r.EmotionalUnderstanding),
		OverallFeedback:        feedback,
	}, nil
}

func normalizeScore(v float64) int {
	rounded := math.Round(v)
	switch {
	case rounded < domain.MinScore:
		return domain.MinScore
	case rounded > domain.MaxScore:
		return domain.MaxScore
	default:
		return int(rounded)
	}
}

// cleanLLMJSONResponse quita fences ```json ... ``` y BOM, dejando el contenido usable.
func cleanLLMJSONResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = strings.TrimPrefix(s, "\uFEFF")
	s = fenceStart.ReplaceAllString(s, "")
	s = fenceEnd.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// extractFirstJSONObject devuelve el primer objeto {...} balanceado, respetando strings.
func extractFirstJSONObject(input string) string {
	start := strings.IndexByte(input, '{')
	if start == -1 {
		return ""
	}

	inString := false
	escape := false
	depth := 0

	for i := start; i < len(input); i++ {
		ch := input[i]

		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}

	return ""
}
