package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"english-tutor/internal/domain"
	"english-tutor/internal/llm"
	"english-tutor/internal/repository"
)

var (
	ErrDialogueBusy             = errors.New("dialogue busy")
	ErrDialogueClosed           = errors.New("dialogue closed")
	ErrEmptyInput               = errors.New("dialogue empty input")
	ErrInvalidPhase             = errors.New("dialogue invalid phase")
	ErrInvalidRecordInput       = errors.New("dialogue invalid record input")
	ErrPersistenceNotConfigured = errors.New("dialogue persistence not configured")
)

const turnApologyMessage = "I apologize, but I encountered an error. Please try again."

func defaultGreeting(lessonTitle, lessonDescription string) string {
	return fmt.Sprintf("Welcome! I'm here to help you understand this video about %s.\n\nThis video teaches %s.\n\nWhat did you learn from this video?",
		lessonTitle, lessonDescription)
}

// Call representa una operacion asincrona del dialogo; Done se cierra cuando su
// resultado ya fue aplicado (o descartado si el dialogo se cerro).
type Call struct {
	done chan struct{}
}

func newCall() *Call {
	return &Call{done: make(chan struct{})}
}

func completedCall() *Call {
	c := newCall()
	close(c.done)
	return c
}

func (c *Call) finish() { close(c.done) }

func (c *Call) Done() <-chan struct{} { return c.done }

// Wait bloquea hasta que la operacion termina o ctx expira. Si ctx expira la
// operacion sigue en curso y su resultado se aplica igual.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DialogueController es dueño del transcript y del ciclo de vida de un dialogo de
// tutoria. Admite una sola llamada al LLM en vuelo: las demas se rechazan, no se encolan.
type DialogueController struct {
	id        string
	llmClient llm.LLMClient
	evaluator *EvaluationService
	records   repository.DialogueRecordRepository
	prompts   DialoguePromptBuilder
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	session      domain.DialogueSession
	busy         bool
	closed       bool
	generation   uint64
	evaluatedAt  int
	pendingInput string
	subscribers  map[int]chan domain.DialogueSnapshot
	nextSubID    int
}

func NewDialogueController(
	id string,
	llmClient llm.LLMClient,
	records repository.DialogueRecordRepository,
	logger *zap.Logger,
) *DialogueController {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("dialogue_id", id))
	ctx, cancel := context.WithCancel(context.Background())
	return &DialogueController{
		id:          id,
		llmClient:   llmClient,
		evaluator:   NewEvaluationService(llmClient, logger),
		records:     records,
		prompts:     DialoguePromptBuilder{},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		session:     domain.DialogueSession{Phase: domain.PhaseUninitialized},
		evaluatedAt: -1,
		subscribers: make(map[int]chan domain.DialogueSnapshot),
	}
}

func (c *DialogueController) ID() string { return c.id }

// Start abre el dialogo pidiendo el saludo al LLM. Si el LLM falla usa un saludo
// por defecto; en ambos casos termina en PhaseActive con un mensaje del tutor.
func (c *DialogueController) Start(lessonTitle, lessonDescription string) (*Call, error) {
	c.mu.Lock()
	if err := c.checkAvailableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.session.Phase != domain.PhaseUninitialized {
		c.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	c.session.LessonTitle = lessonTitle
	c.session.LessonDescription = lessonDescription
	c.setPhaseLocked(domain.PhaseInitializing)
	c.busy = true
	gen := c.generation
	c.notifyLocked()
	c.mu.Unlock()

	prompt := c.prompts.BuildOpeningPrompt(lessonTitle, lessonDescription)
	call := newCall()
	go func() {
		defer call.finish()
		defer c.release()

		content, err := c.generate(prompt)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(gen) {
			return
		}
		if err != nil {
			c.logger.Warn("dialogue greeting failed, using default", zap.Error(err))
			c.setPhaseLocked(domain.PhaseFailed)
			content = defaultGreeting(lessonTitle, lessonDescription)
		}
		c.appendLocked(domain.RoleAssistant, content)
		c.setPhaseLocked(domain.PhaseActive)
	}()
	return call, nil
}

// SubmitUserTurn agrega el mensaje del estudiante de inmediato y pide la replica del
// tutor en segundo plano. Si el LLM falla agrega un mensaje fijo de disculpa.
func (c *DialogueController) SubmitUserTurn(text string) (*Call, error) {
	return c.submitTurn(text, false)
}

// SubmitPendingInput envia el texto dejado por la captura de voz en el slot de entrada.
func (c *DialogueController) SubmitPendingInput() (*Call, error) {
	return c.submitTurn("", true)
}

func (c *DialogueController) submitTurn(text string, fromPending bool) (*Call, error) {
	c.mu.Lock()
	if fromPending {
		text = c.pendingInput
	}
	if err := c.checkTurnLocked(text); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if fromPending {
		c.pendingInput = ""
	}
	c.busy = true
	gen := c.generation
	prompt := c.beginTurnLocked(text)
	c.notifyLocked()
	c.mu.Unlock()

	call := newCall()
	go func() {
		defer call.finish()
		defer c.release()
		c.runTurn(gen, prompt)
	}()
	return call, nil
}

// Evaluate puntua el transcript completo. Si ya hay una evaluacion y no hubo mensajes
// nuevos desde entonces, la reutiliza sin llamar al LLM.
func (c *DialogueController) Evaluate() (*Call, error) {
	c.mu.Lock()
	if err := c.checkAvailableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !c.startedLocked() {
		c.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	if c.evaluationFreshLocked() {
		c.mu.Unlock()
		return completedCall(), nil
	}
	c.busy = true
	gen := c.generation
	title, desc, transcript := c.beginEvaluationLocked()
	c.notifyLocked()
	c.mu.Unlock()

	call := newCall()
	go func() {
		defer call.finish()
		defer c.release()
		c.runEvaluation(gen, title, desc, transcript)
	}()
	return call, nil
}

// SubmitAndEvaluate evalua de inmediato si el estudiante aun no respondio nada; si no,
// completa un turno mas con text (omitido si esta vacio) y luego evalua. El dialogo
// queda ocupado durante ambos pasos.
func (c *DialogueController) SubmitAndEvaluate(text string) (*Call, error) {
	c.mu.Lock()
	if err := c.checkAvailableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	phase := c.session.Phase
	if phase != domain.PhaseActive && phase != domain.PhaseEvaluated {
		c.mu.Unlock()
		return nil, ErrInvalidPhase
	}

	withTurn := c.session.UserTurns() > 0 && strings.TrimSpace(text) != ""
	if c.session.UserTurns() == 0 && strings.TrimSpace(text) != "" {
		// Sin respuestas previas se evalua lo que hay; el texto queda en el slot de entrada.
		c.pendingInput = text
	}
	if !withTurn && c.evaluationFreshLocked() {
		c.notifyLocked()
		c.mu.Unlock()
		return completedCall(), nil
	}

	c.busy = true
	gen := c.generation
	var turnPrompt string
	if withTurn {
		turnPrompt = c.beginTurnLocked(text)
	}
	c.notifyLocked()
	c.mu.Unlock()

	call := newCall()
	go func() {
		defer call.finish()
		defer c.release()

		if withTurn && !c.runTurn(gen, turnPrompt) {
			return
		}

		c.mu.Lock()
		if !c.currentLocked(gen) {
			c.mu.Unlock()
			return
		}
		title, desc, transcript := c.beginEvaluationLocked()
		c.notifyLocked()
		c.mu.Unlock()

		c.runEvaluation(gen, title, desc, transcript)
	}()
	return call, nil
}

// Save evalua si hace falta y entrega transcript + evaluacion al adaptador de
// persistencia. Un error de escritura se devuelve y el dialogo vuelve a
// PhaseEvaluated para poder reintentar.
func (c *DialogueController) Save(ctx context.Context, lessonID, userID string) (domain.DialogueRecord, error) {
	lessonID = strings.TrimSpace(lessonID)
	userID = strings.TrimSpace(userID)
	if lessonID == "" || userID == "" {
		return domain.DialogueRecord{}, ErrInvalidRecordInput
	}
	if c.records == nil {
		return domain.DialogueRecord{}, ErrPersistenceNotConfigured
	}

	c.mu.Lock()
	if err := c.checkAvailableLocked(); err != nil {
		c.mu.Unlock()
		return domain.DialogueRecord{}, err
	}
	if !c.startedLocked() || c.session.Phase == domain.PhaseSaved {
		c.mu.Unlock()
		return domain.DialogueRecord{}, ErrInvalidPhase
	}
	c.busy = true
	gen := c.generation
	needEval := !c.evaluationFreshLocked()
	var (
		title, desc string
		transcript  []domain.Message
	)
	if needEval {
		title, desc, transcript = c.beginEvaluationLocked()
	}
	c.notifyLocked()
	c.mu.Unlock()
	defer c.release()

	if needEval && !c.runEvaluation(gen, title, desc, transcript) {
		return domain.DialogueRecord{}, ErrDialogueClosed
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return domain.DialogueRecord{}, ErrDialogueClosed
	}
	c.setPhaseLocked(domain.PhaseSaving)
	record := domain.DialogueRecord{
		ID:             uuid.NewString(),
		LessonID:       lessonID,
		QuestionID:     domain.DialogueQuestionID,
		UserID:         userID,
		TranscriptText: RenderTranscript(c.session.Messages),
		EvaluationText: c.session.Evaluation.Text(),
		CreatedAt:      c.now(),
	}
	c.notifyLocked()
	c.mu.Unlock()

	err := c.records.Save(ctx, record)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Error("dialogue save failed", zap.Error(err), zap.String("lesson_id", lessonID))
		if c.currentLocked(gen) {
			c.setPhaseLocked(domain.PhaseEvaluated)
			c.notifyLocked()
		}
		return domain.DialogueRecord{}, fmt.Errorf("save dialogue record: %w", err)
	}
	if c.currentLocked(gen) {
		c.setPhaseLocked(domain.PhaseSaved)
		c.notifyLocked()
	}
	c.logger.Info("dialogue saved", zap.String("record_id", record.ID), zap.String("lesson_id", lessonID))
	return record, nil
}

// SetPendingInput guarda el texto reconocido por la captura de voz sin enviarlo.
func (c *DialogueController) SetPendingInput(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDialogueClosed
	}
	c.pendingInput = text
	c.notifyLocked()
	return nil
}

// Transcript devuelve una copia ordenada de los mensajes.
func (c *DialogueController) Transcript() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMessages(c.session.Messages)
}

// LatestAssistantMessage devuelve el ultimo mensaje del tutor, para reproducirlo por voz.
func (c *DialogueController) LatestAssistantMessage() (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.session.Messages) - 1; i >= 0; i-- {
		if c.session.Messages[i].Role == domain.RoleAssistant {
			return c.session.Messages[i], true
		}
	}
	return domain.Message{}, false
}

func (c *DialogueController) Snapshot() domain.DialogueSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe entrega snapshots tras cada cambio. El canal conserva solo el ultimo
// snapshot no leido y se cierra al desuscribirse o al cerrar el dialogo.
func (c *DialogueController) Subscribe() (<-chan domain.DialogueSnapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan domain.DialogueSnapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	ch <- c.snapshotLocked()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

// Close desmonta el dialogo: las respuestas pendientes del LLM se descartan.
func (c *DialogueController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()

	c.cancel()
	c.logger.Debug("dialogue closed")
}

func (c *DialogueController) generate(prompt string) (string, error) {
	content, err := c.llmClient.Generate(c.ctx, prompt)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", llm.ErrEmptyResponse
	}
	return content, nil
}

// runTurn pide la replica del tutor y la aplica; devuelve false si el dialogo se cerro.
func (c *DialogueController) runTurn(gen uint64, prompt string) bool {
	content, err := c.generate(prompt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return false
	}
	if err != nil {
		c.logger.Warn("dialogue reply failed, appending apology", zap.Error(err))
		content = turnApologyMessage
	}
	c.appendLocked(domain.RoleAssistant, content)
	c.notifyLocked()
	return true
}

// runEvaluation genera y guarda la evaluacion; devuelve false si el dialogo se cerro.
func (c *DialogueController) runEvaluation(gen uint64, title, desc string, transcript []domain.Message) bool {
	eval, fromModel := c.evaluator.Evaluate(c.ctx, title, desc, transcript)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return false
	}
	if !fromModel {
		c.setPhaseLocked(domain.PhaseFailed)
	}
	c.session.Evaluation = &eval
	c.evaluatedAt = len(transcript)
	c.setPhaseLocked(domain.PhaseEvaluated)
	c.notifyLocked()
	return true
}

func (c *DialogueController) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if !c.closed {
		c.notifyLocked()
	}
}

func (c *DialogueController) checkAvailableLocked() error {
	if c.closed {
		return ErrDialogueClosed
	}
	if c.busy {
		return ErrDialogueBusy
	}
	return nil
}

func (c *DialogueController) checkTurnLocked(text string) error {
	if err := c.checkAvailableLocked(); err != nil {
		return err
	}
	if c.session.Phase != domain.PhaseActive && c.session.Phase != domain.PhaseEvaluated {
		return ErrInvalidPhase
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	return nil
}

// beginTurnLocked agrega el mensaje del estudiante y arma el prompt con el transcript ya actualizado.
func (c *DialogueController) beginTurnLocked(text string) string {
	c.appendLocked(domain.RoleUser, text)
	c.setPhaseLocked(domain.PhaseActive)
	return c.prompts.BuildTurnPrompt(c.session.LessonTitle, c.session.LessonDescription, c.session.Messages)
}

func (c *DialogueController) beginEvaluationLocked() (string, string, []domain.Message) {
	c.setPhaseLocked(domain.PhaseEvaluating)
	return c.session.LessonTitle, c.session.LessonDescription, copyMessages(c.session.Messages)
}

func (c *DialogueController) startedLocked() bool {
	return c.session.Phase != domain.PhaseUninitialized && c.session.Phase != domain.PhaseInitializing
}

func (c *DialogueController) evaluationFreshLocked() bool {
	return c.session.Evaluation != nil && c.evaluatedAt == len(c.session.Messages)
}

func (c *DialogueController) currentLocked(gen uint64) bool {
	return !c.closed && c.generation == gen
}

func (c *DialogueController) appendLocked(role domain.MessageRole, content string) {
	c.session.Messages = append(c.session.Messages, domain.Message{
		Role:      role,
		Content:   content,
		Timestamp: c.now(),
	})
}

func (c *DialogueController) setPhaseLocked(phase domain.SessionPhase) {
	if c.session.Phase == phase {
		return
	}
	c.logger.Debug("dialogue phase",
		zap.String("from", string(c.session.Phase)),
		zap.String("to", string(phase)),
	)
	c.session.Phase = phase
}

func (c *DialogueController) snapshotLocked() domain.DialogueSnapshot {
	session := c.session
	session.Messages = copyMessages(c.session.Messages)
	if c.session.Evaluation != nil {
		eval := *c.session.Evaluation
		session.Evaluation = &eval
	}
	return domain.DialogueSnapshot{
		DialogueSession: session,
		PendingInput:    c.pendingInput,
		Busy:            c.busy,
		Generation:      c.generation,
	}
}

func (c *DialogueController) notifyLocked() {
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func copyMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}
