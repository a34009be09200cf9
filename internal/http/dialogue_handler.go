package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"english-tutor/internal/domain"
	"english-tutor/internal/repository"
	"english-tutor/internal/service"
)

const defaultCallWait = 90 * time.Second

// DialogueHandler expone los dialogos de tutoria sobre HTTP.
type DialogueHandler struct {
	logger   *zap.Logger
	lessons  repository.LessonRepository
	records  repository.DialogueRecordRepository
	registry *service.DialogueRegistry
	limiter  service.DialogueRateLimiter
	callWait time.Duration
}

// NewDialogueHandler crea el handler. limiter puede ser nil (sin limite) y callWait
// acota cuanto espera una request a la respuesta del LLM antes de devolver 202.
func NewDialogueHandler(
	logger *zap.Logger,
	lessons repository.LessonRepository,
	records repository.DialogueRecordRepository,
	registry *service.DialogueRegistry,
	limiter service.DialogueRateLimiter,
	callWait time.Duration,
) *DialogueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callWait <= 0 {
		callWait = defaultCallWait
	}
	return &DialogueHandler{
		logger:   logger,
		lessons:  lessons,
		records:  records,
		registry: registry,
		limiter:  limiter,
		callWait: callWait,
	}
}

type contentRequest struct {
	Content string `json:"content"`
}

// OpenDialogue maneja POST /lessons/:id/dialogues.
func (h *DialogueHandler) OpenDialogue(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok || !h.allow(c, userID) {
		return
	}

	lessonID := c.Param("id")
	lesson, err := h.lessons.GetByID(c.Request.Context(), lessonID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
			return
		}
		h.logger.Error("get lesson failed", zap.Error(err), zap.String("lesson_id", lessonID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load lesson"})
		return
	}

	dialogue := h.registry.Create(userID, lesson.ID)
	call, err := dialogue.Controller.Start(lesson.Title, lesson.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondAfter(c, dialogue, call, http.StatusCreated)
}

// GetDialogue maneja GET /dialogues/:id.
func (h *DialogueHandler) GetDialogue(c *gin.Context) {
	dialogue, ok := h.dialogue(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dialogueResponse(dialogue))
}

// PostTurn maneja POST /dialogues/:id/turns.
func (h *DialogueHandler) PostTurn(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid turn request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	dialogue, ok := h.dialogue(c)
	if !ok || !h.allow(c, dialogue.UserID) {
		return
	}

	call, err := dialogue.Controller.SubmitUserTurn(req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondAfter(c, dialogue, call, http.StatusOK)
}

// PutInput maneja PUT /dialogues/:id/input: la captura de voz deja el texto reconocido.
func (h *DialogueHandler) PutInput(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid input request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	dialogue, ok := h.dialogue(c)
	if !ok {
		return
	}
	if err := dialogue.Controller.SetPendingInput(req.Content); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dialogueResponse(dialogue))
}

// SubmitInput maneja POST /dialogues/:id/input/submit.
func (h *DialogueHandler) SubmitInput(c *gin.Context) {
	dialogue, ok := h.dialogue(c)
	if !ok || !h.allow(c, dialogue.UserID) {
		return
	}
	call, err := dialogue.Controller.SubmitPendingInput()
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondAfter(c, dialogue, call, http.StatusOK)
}

// Evaluate maneja POST /dialogues/:id/evaluation.
func (h *DialogueHandler) Evaluate(c *gin.Context) {
	dialogue, ok := h.dialogue(c)
	if !ok || !h.allow(c, dialogue.UserID) {
		return
	}
	call, err := dialogue.Controller.Evaluate()
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondAfter(c, dialogue, call, http.StatusOK)
}

// SubmitAndEvaluate maneja POST /dialogues/:id/submit. El body es opcional.
func (h *DialogueHandler) SubmitAndEvaluate(c *gin.Context) {
	var req contentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("invalid submit request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	dialogue, ok := h.dialogue(c)
	if !ok || !h.allow(c, dialogue.UserID) {
		return
	}
	call, err := dialogue.Controller.SubmitAndEvaluate(req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondAfter(c, dialogue, call, http.StatusOK)
}

// Save maneja POST /dialogues/:id/save.
func (h *DialogueHandler) Save(c *gin.Context) {
	dialogue, ok := h.dialogue(c)
	if !ok || !h.allow(c, dialogue.UserID) {
		return
	}

	record, err := dialogue.Controller.Save(c.Request.Context(), dialogue.LessonID, dialogue.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"record":   record,
		"dialogue": dialogue.Controller.Snapshot(),
	})
}

// DeleteDialogue maneja DELETE /dialogues/:id.
func (h *DialogueHandler) DeleteDialogue(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.registry.Remove(c.Param("id"), userID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRecords maneja GET /lessons/:id/dialogue-records.
func (h *DialogueHandler) ListRecords(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if h.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence not configured"})
		return
	}
	records, err := h.records.ListByUserAndLesson(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.logger.Error("list dialogue records failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *DialogueHandler) userID(c *gin.Context) (string, bool) {
	claims, ok := GetAuthClaims(c)
	if !ok || claims.UserID() == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return claims.UserID(), true
}

func (h *DialogueHandler) dialogue(c *gin.Context) (service.RegisteredDialogue, bool) {
	userID, ok := h.userID(c)
	if !ok {
		return service.RegisteredDialogue{}, false
	}
	dialogue, err := h.registry.Get(c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return service.RegisteredDialogue{}, false
	}
	return dialogue, true
}

func (h *DialogueHandler) allow(c *gin.Context, userID string) bool {
	if h.limiter == nil || h.limiter.Allow(c.Request.Context(), userID) {
		return true
	}
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	return false
}

// respondAfter espera la llamada al LLM; si tarda mas que callWait responde 202 con
// el estado actual y el resultado llega por /events.
func (h *DialogueHandler) respondAfter(c *gin.Context, dialogue service.RegisteredDialogue, call *service.Call, status int) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.callWait)
	defer cancel()
	if err := call.Wait(ctx); err != nil {
		c.JSON(http.StatusAccepted, dialogueResponse(dialogue))
		return
	}
	c.JSON(status, dialogueResponse(dialogue))
}

func (h *DialogueHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyInput), errors.Is(err, service.ErrInvalidRecordInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDialogueNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDialogueBusy), errors.Is(err, service.ErrInvalidPhase):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDialogueClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPersistenceNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("dialogue request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not save dialogue"})
	}
}

type dialogueBody struct {
	DialogueID string                  `json:"dialogue_id"`
	LessonID   string                  `json:"lesson_id"`
	Dialogue   domain.DialogueSnapshot `json:"dialogue"`
}

func dialogueResponse(d service.RegisteredDialogue) dialogueBody {
	return dialogueBody{
		DialogueID: d.Controller.ID(),
		LessonID:   d.LessonID,
		Dialogue:   d.Controller.Snapshot(),
	}
}
