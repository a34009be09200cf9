package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"english-tutor/internal/domain"
	"english-tutor/internal/llm"
	"english-tutor/internal/repository"
)

const testEvaluationJSON = `{"accuracy":90,"mainIdea":85,"detailTracking":60,"vocabulary":70,"emotionalUnderstanding":88,"overallFeedback":"Nice work."}`

type gatedLLMClient struct {
	gate     chan struct{}
	started  chan struct{}
	response string

	mu    sync.Mutex
	calls int
}

func newGatedLLMClient(response string) *gatedLLMClient {
	return &gatedLLMClient{
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 16),
		response: response,
	}
}

func (g *gatedLLMClient) Generate(ctx context.Context, _ string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started <- struct{}{}
	select {
	case <-g.gate:
		return g.response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedLLMClient) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type mockDialogueRecordRepo struct {
	mu     sync.Mutex
	saved  []domain.DialogueRecord
	err    error
	onSave func()
}

func (m *mockDialogueRecordRepo) Save(_ context.Context, record domain.DialogueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onSave != nil {
		m.onSave()
	}
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, record)
	return nil
}

func (m *mockDialogueRecordRepo) ListByUserAndLesson(context.Context, string, string) ([]domain.DialogueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DialogueRecord(nil), m.saved...), nil
}

func waitCall(t *testing.T, call *Call) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := call.Wait(ctx); err != nil {
		t.Fatalf("call did not finish: %v", err)
	}
}

func waitStarted(t *testing.T, g *gatedLLMClient) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("backend call never started")
	}
}

func startedController(t *testing.T, client llm.LLMClient, records *mockDialogueRecordRepo) *DialogueController {
	t.Helper()
	var repo repository.DialogueRecordRepository
	if records != nil {
		repo = records
	}
	c := newTestController(client, repo)
	call, err := c.Start("Past Tense", "how to talk about yesterday")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCall(t, call)
	return c
}

func newTestController(client llm.LLMClient, records repository.DialogueRecordRepository) *DialogueController {
	c := NewDialogueController("d1", client, records, nil)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}
	return c
}

func TestDialogueController_StartUsesModelGreeting(t *testing.T) {
	mock := &llm.MockClient{Response: "  Hello! What did you notice?  "}
	c := startedController(t, mock, nil)

	transcript := c.Transcript()
	if len(transcript) != 1 || transcript[0].Role != domain.RoleAssistant {
		t.Fatalf("expected single assistant message, got %+v", transcript)
	}
	if transcript[0].Content != "Hello! What did you notice?" {
		t.Fatalf("unexpected greeting %q", transcript[0].Content)
	}
	if c.Snapshot().Phase != domain.PhaseActive {
		t.Fatalf("expected active phase, got %s", c.Snapshot().Phase)
	}
	if !strings.Contains(mock.Prompts()[0], "Video Title: Past Tense") {
		t.Fatalf("opening prompt missing lesson title")
	}
}

func TestDialogueController_StartFallsBackToDefaultGreeting(t *testing.T) {
	for name, mock := range map[string]*llm.MockClient{
		"backend error":  {Err: errors.New("boom")},
		"empty response": {Response: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			c := startedController(t, mock, nil)
			transcript := c.Transcript()
			if len(transcript) != 1 {
				t.Fatalf("expected one message, got %d", len(transcript))
			}
			want := defaultGreeting("Past Tense", "how to talk about yesterday")
			if transcript[0].Content != want {
				t.Fatalf("expected default greeting %q, got %q", want, transcript[0].Content)
			}
			if c.Snapshot().Phase != domain.PhaseActive {
				t.Fatalf("expected active phase")
			}
		})
	}
}

func TestDialogueController_StartOnlyOnce(t *testing.T) {
	c := startedController(t, &llm.MockClient{Response: "hi"}, nil)
	if _, err := c.Start("x", "y"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
}

func TestDialogueController_TurnsAlternate(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", "reply one", "reply two"}}
	c := startedController(t, mock, nil)

	for _, text := range []string{"first answer", "second answer"} {
		call, err := c.SubmitUserTurn(text)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		waitCall(t, call)
	}

	transcript := c.Transcript()
	if len(transcript) != 5 {
		t.Fatalf("expected 1+2N=5 messages, got %d", len(transcript))
	}
	for i, m := range transcript {
		want := domain.RoleAssistant
		if i%2 == 1 {
			want = domain.RoleUser
		}
		if m.Role != want {
			t.Fatalf("message %d: expected role %s, got %s", i, want, m.Role)
		}
		if i > 0 && !m.Timestamp.After(transcript[i-1].Timestamp) {
			t.Fatalf("message %d: timestamps not increasing", i)
		}
	}
	if transcript[4].Content != "reply two" {
		t.Fatalf("unexpected last reply %q", transcript[4].Content)
	}

	prompts := mock.Prompts()
	if !strings.Contains(prompts[2], "Student: second answer") {
		t.Fatalf("turn prompt must include the new user message:\n%s", prompts[2])
	}
}

func TestDialogueController_EmptyInputIsNoop(t *testing.T) {
	mock := &llm.MockClient{Response: "hi"}
	c := startedController(t, mock, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.SubmitUserTurn(text); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("expected ErrEmptyInput for %q, got %v", text, err)
		}
	}
	if len(c.Transcript()) != 1 || len(mock.Prompts()) != 1 {
		t.Fatalf("empty input must not change state or call backend")
	}
}

func TestDialogueController_TurnFailureAppendsApology(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting"}}
	c := startedController(t, mock, nil)
	mock.Err = errors.New("rate limited")

	call, err := c.SubmitUserTurn("my answer")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCall(t, call)

	transcript := c.Transcript()
	if len(transcript) != 3 || transcript[2].Content != turnApologyMessage {
		t.Fatalf("expected apology as last message, got %+v", transcript)
	}
	if c.Snapshot().Phase != domain.PhaseActive {
		t.Fatalf("expected active phase after apology")
	}
}

func TestDialogueController_RejectsConcurrentCalls(t *testing.T) {
	gated := newGatedLLMClient("reply")
	c := newTestController(gated, nil)

	startCall, err := c.Start("t", "d")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, gated)
	if _, err := c.SubmitUserTurn("too early"); !errors.Is(err, ErrDialogueBusy) {
		t.Fatalf("expected busy during start, got %v", err)
	}
	gated.gate <- struct{}{}
	waitCall(t, startCall)

	turnCall, err := c.SubmitUserTurn("first")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, gated)

	if _, err := c.SubmitUserTurn("second"); !errors.Is(err, ErrDialogueBusy) {
		t.Fatalf("expected ErrDialogueBusy, got %v", err)
	}
	if _, err := c.Evaluate(); !errors.Is(err, ErrDialogueBusy) {
		t.Fatalf("expected ErrDialogueBusy for evaluate, got %v", err)
	}
	if !c.Snapshot().Busy {
		t.Fatalf("expected busy snapshot")
	}

	gated.gate <- struct{}{}
	waitCall(t, turnCall)

	transcript := c.Transcript()
	if len(transcript) != 3 || transcript[1].Content != "first" {
		t.Fatalf("rejected turn must not be appended: %+v", transcript)
	}
	if gated.Calls() != 2 {
		t.Fatalf("expected 2 backend calls, got %d", gated.Calls())
	}
}

func TestDialogueController_EvaluateIsMemoized(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", testEvaluationJSON, "reply", testEvaluationJSON}}
	c := startedController(t, mock, nil)

	for i := 0; i < 2; i++ {
		call, err := c.Evaluate()
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		waitCall(t, call)
	}
	if got := len(mock.Prompts()); got != 2 {
		t.Fatalf("expected one evaluation backend call, got %d total calls", got)
	}

	snap := c.Snapshot()
	if snap.Phase != domain.PhaseEvaluated || snap.Evaluation == nil || snap.Evaluation.Accuracy != 90 {
		t.Fatalf("unexpected evaluated snapshot: %+v", snap)
	}
	if !strings.Contains(mock.Prompts()[1], "Tutor: greeting") {
		t.Fatalf("evaluation over opening message only must render it")
	}

	call, err := c.SubmitUserTurn("more")
	if err != nil {
		t.Fatalf("submit after evaluation: %v", err)
	}
	waitCall(t, call)
	if c.Snapshot().Phase != domain.PhaseActive {
		t.Fatalf("expected active phase after new turn")
	}

	call, err = c.Evaluate()
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	waitCall(t, call)
	if got := len(mock.Prompts()); got != 4 {
		t.Fatalf("expected new evaluation after new messages, got %d calls", got)
	}
}

func TestDialogueController_EvaluateBeforeStart(t *testing.T) {
	c := newTestController(&llm.MockClient{}, nil)
	if _, err := c.Evaluate(); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
}

func TestDialogueController_EvaluateFallback(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", "Sorry, I can't do that"}}
	c := startedController(t, mock, nil)

	call, err := c.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	waitCall(t, call)

	snap := c.Snapshot()
	if snap.Evaluation == nil || *snap.Evaluation != FallbackEvaluation() {
		t.Fatalf("expected fallback evaluation, got %+v", snap.Evaluation)
	}
	if snap.Phase != domain.PhaseEvaluated {
		t.Fatalf("expected evaluated phase, got %s", snap.Phase)
	}
}

func TestDialogueController_SubmitAndEvaluateWithoutUserTurns(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", testEvaluationJSON}}
	c := startedController(t, mock, nil)

	call, err := c.SubmitAndEvaluate("typed but unsent")
	if err != nil {
		t.Fatalf("submit and evaluate: %v", err)
	}
	waitCall(t, call)

	snap := c.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected no turn to be added, got %d messages", len(snap.Messages))
	}
	if snap.Evaluation == nil || snap.Phase != domain.PhaseEvaluated {
		t.Fatalf("expected evaluation, got %+v", snap)
	}
	if snap.PendingInput != "typed but unsent" {
		t.Fatalf("expected text kept in pending input, got %q", snap.PendingInput)
	}
	if len(mock.Prompts()) != 2 {
		t.Fatalf("expected greeting + evaluation calls only")
	}
}

func TestDialogueController_SubmitAndEvaluateCompletesTurnFirst(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", "reply", "reply two", testEvaluationJSON}}
	c := startedController(t, mock, nil)

	call, err := c.SubmitUserTurn("first")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCall(t, call)

	call, err = c.SubmitAndEvaluate("last words")
	if err != nil {
		t.Fatalf("submit and evaluate: %v", err)
	}
	waitCall(t, call)

	snap := c.Snapshot()
	if len(snap.Messages) != 5 || snap.Messages[3].Content != "last words" || snap.Messages[4].Content != "reply two" {
		t.Fatalf("expected final turn before evaluation, got %+v", snap.Messages)
	}
	if snap.Evaluation == nil || snap.Evaluation.Accuracy != 90 {
		t.Fatalf("expected model evaluation, got %+v", snap.Evaluation)
	}
	if !strings.Contains(mock.Prompts()[3], "Student: last words") {
		t.Fatalf("evaluation must cover the final turn")
	}
}

func TestDialogueController_SaveEvaluatesThenWrites(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", "reply", testEvaluationJSON}}
	records := &mockDialogueRecordRepo{}
	var callsAtSave int
	records.onSave = func() { callsAtSave = len(mock.Prompts()) }
	c := startedController(t, mock, records)

	call, err := c.SubmitUserTurn("answer")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCall(t, call)

	record, err := c.Save(context.Background(), "lesson-1", "user-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if callsAtSave != 3 {
		t.Fatalf("expected evaluation before write, backend calls at save=%d", callsAtSave)
	}
	if len(records.saved) != 1 {
		t.Fatalf("expected one record, got %d", len(records.saved))
	}
	saved := records.saved[0]
	if saved.ID != record.ID || saved.LessonID != "lesson-1" || saved.UserID != "user-1" || saved.QuestionID != domain.DialogueQuestionID {
		t.Fatalf("unexpected record: %+v", saved)
	}
	if saved.TranscriptText != "Tutor: greeting\n\nStudent: answer\n\nTutor: reply" {
		t.Fatalf("unexpected transcript text %q", saved.TranscriptText)
	}
	if !strings.Contains(saved.EvaluationText, "Accuracy: 90/100") {
		t.Fatalf("unexpected evaluation text %q", saved.EvaluationText)
	}
	if c.Snapshot().Phase != domain.PhaseSaved {
		t.Fatalf("expected saved phase")
	}

	if _, err := c.Save(context.Background(), "lesson-1", "user-1"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected second save rejected, got %v", err)
	}
	if _, err := c.SubmitUserTurn("after save"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected turn after save rejected, got %v", err)
	}
	evalCall, err := c.Evaluate()
	if err != nil {
		t.Fatalf("evaluate after save: %v", err)
	}
	waitCall(t, evalCall)
	if len(mock.Prompts()) != 3 {
		t.Fatalf("evaluate after save must reuse the stored result")
	}
}

func TestDialogueController_SaveFailureAllowsRetry(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", testEvaluationJSON}}
	writeErr := errors.New("connection refused")
	records := &mockDialogueRecordRepo{err: writeErr}
	c := startedController(t, mock, records)

	if _, err := c.Save(context.Background(), "lesson-1", "user-1"); !errors.Is(err, writeErr) {
		t.Fatalf("expected wrapped persistence error, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Phase != domain.PhaseEvaluated || snap.Evaluation == nil {
		t.Fatalf("expected evaluated phase after failed save, got %+v", snap)
	}

	records.mu.Lock()
	records.err = nil
	records.mu.Unlock()

	if _, err := c.Save(context.Background(), "lesson-1", "user-1"); err != nil {
		t.Fatalf("retry save: %v", err)
	}
	if len(mock.Prompts()) != 2 {
		t.Fatalf("retry must reuse the evaluation, got %d calls", len(mock.Prompts()))
	}
	if c.Snapshot().Phase != domain.PhaseSaved {
		t.Fatalf("expected saved phase after retry")
	}
}

func TestDialogueController_SaveValidation(t *testing.T) {
	c := startedController(t, &llm.MockClient{Response: "hi"}, nil)
	if _, err := c.Save(context.Background(), "", "u1"); !errors.Is(err, ErrInvalidRecordInput) {
		t.Fatalf("expected ErrInvalidRecordInput, got %v", err)
	}
	if _, err := c.Save(context.Background(), "l1", "u1"); !errors.Is(err, ErrPersistenceNotConfigured) {
		t.Fatalf("expected ErrPersistenceNotConfigured, got %v", err)
	}
}

func TestDialogueController_CloseDiscardsLateResult(t *testing.T) {
	gated := newGatedLLMClient("late greeting")
	c := newTestController(gated, nil)

	call, err := c.Start("t", "d")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, gated)
	c.Close()
	waitCall(t, call)

	if len(c.Transcript()) != 0 {
		t.Fatalf("late result must be discarded, got %+v", c.Transcript())
	}
	if _, err := c.SubmitUserTurn("hello"); !errors.Is(err, ErrDialogueClosed) {
		t.Fatalf("expected ErrDialogueClosed, got %v", err)
	}
	c.Close()
}

func TestDialogueController_PendingInput(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"greeting", "reply"}}
	c := startedController(t, mock, nil)

	if _, err := c.SubmitPendingInput(); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput for empty slot, got %v", err)
	}
	if err := c.SetPendingInput("spoken answer"); err != nil {
		t.Fatalf("set pending input: %v", err)
	}
	call, err := c.SubmitPendingInput()
	if err != nil {
		t.Fatalf("submit pending: %v", err)
	}
	waitCall(t, call)

	if c.Snapshot().PendingInput != "" {
		t.Fatalf("expected pending input cleared")
	}
	transcript := c.Transcript()
	if len(transcript) != 3 || transcript[1].Content != "spoken answer" {
		t.Fatalf("unexpected transcript %+v", transcript)
	}
	latest, ok := c.LatestAssistantMessage()
	if !ok || latest.Content != "reply" {
		t.Fatalf("expected latest assistant message 'reply', got %+v", latest)
	}
}

func TestDialogueController_SubscribeReceivesSnapshots(t *testing.T) {
	c := newTestController(&llm.MockClient{Response: "greeting"}, nil)
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	first := <-ch
	if first.Phase != domain.PhaseUninitialized {
		t.Fatalf("expected initial snapshot, got %s", first.Phase)
	}

	call, err := c.Start("t", "d")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCall(t, call)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Phase == domain.PhaseActive && !snap.Busy && len(snap.Messages) == 1 {
				c.Close()
				drained := make(chan struct{})
				go func() {
					for range ch {
					}
					close(drained)
				}()
				select {
				case <-drained:
				case <-time.After(2 * time.Second):
					t.Fatalf("expected channel closed after Close")
				}
				return
			}
		case <-deadline:
			t.Fatalf("never received active snapshot")
		}
	}
}
