package service

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"english-tutor/internal/llm"
	"english-tutor/internal/repository"
)

var ErrDialogueNotFound = errors.New("dialogue not found")

const defaultJanitorInterval = 5 * time.Minute

// RegisteredDialogue es un dialogo abierto junto con su dueño y su leccion.
type RegisteredDialogue struct {
	Controller *DialogueController
	LessonID   string
	UserID     string
}

type registryEntry struct {
	RegisteredDialogue
	lastUsed time.Time
}

// DialogueRegistry mantiene en memoria los dialogos abiertos del proceso. Los que
// quedan inactivos mas de idleTTL se cierran y se descartan.
type DialogueRegistry struct {
	llmClient llm.LLMClient
	records   repository.DialogueRecordRepository
	logger    *zap.Logger
	idleTTL   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	entries  map[string]*registryEntry
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewDialogueRegistry(
	llmClient llm.LLMClient,
	records repository.DialogueRecordRepository,
	idleTTL time.Duration,
	logger *zap.Logger,
) *DialogueRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialogueRegistry{
		llmClient: llmClient,
		records:   records,
		logger:    logger,
		idleTTL:   idleTTL,
		now:       time.Now,
		entries:   make(map[string]*registryEntry),
		stopChan:  make(chan struct{}),
	}
}

// Create registra un dialogo nuevo (sin iniciar) para userID y lessonID.
func (r *DialogueRegistry) Create(userID, lessonID string) RegisteredDialogue {
	id := uuid.NewString()
	entry := &registryEntry{
		RegisteredDialogue: RegisteredDialogue{
			Controller: NewDialogueController(id, r.llmClient, r.records, r.logger),
			LessonID:   lessonID,
			UserID:     userID,
		},
		lastUsed: r.now(),
	}

	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	r.logger.Info("dialogue registered", zap.String("dialogue_id", id), zap.String("lesson_id", lessonID))
	return entry.RegisteredDialogue
}

// Get devuelve el dialogo solo si pertenece a userID; para otro usuario no existe.
func (r *DialogueRegistry) Get(id, userID string) (RegisteredDialogue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.UserID != userID {
		return RegisteredDialogue{}, ErrDialogueNotFound
	}
	entry.lastUsed = r.now()
	return entry.RegisteredDialogue, nil
}

// Remove cierra el dialogo y lo quita del registro.
func (r *DialogueRegistry) Remove(id, userID string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok || entry.UserID != userID {
		r.mu.Unlock()
		return ErrDialogueNotFound
	}
	delete(r.entries, id)
	r.mu.Unlock()

	entry.Controller.Close()
	return nil
}

func (r *DialogueRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle cierra los dialogos sin uso por mas de idleTTL. Los ocupados se conservan.
func (r *DialogueRegistry) EvictIdle() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var evicted []*registryEntry
	for id, entry := range r.entries {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		if entry.Controller.Snapshot().Busy {
			continue
		}
		delete(r.entries, id)
		evicted = append(evicted, entry)
	}
	r.mu.Unlock()

	for _, entry := range evicted {
		entry.Controller.Close()
	}
	if len(evicted) > 0 {
		r.logger.Info("idle dialogues evicted", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// StartJanitor lanza la limpieza periodica hasta que se llame a Stop.
func (r *DialogueRegistry) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.EvictIdle()
			}
		}
	}()
	r.logger.Info("dialogue janitor started", zap.Duration("interval", interval), zap.Duration("idle_ttl", r.idleTTL))
}

// Stop detiene el janitor y cierra todos los dialogos abiertos.
func (r *DialogueRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.Controller.Close()
	}
	r.logger.Info("dialogue registry stopped", zap.Int("closed", len(entries)))
}
