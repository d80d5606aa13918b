package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propertyops/orchestrator/internal/ai"
	"github.com/propertyops/orchestrator/internal/client"
	"github.com/propertyops/orchestrator/internal/escalation"
	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/plan"
	"github.com/propertyops/orchestrator/internal/resilience"
)

type fakeStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*models.Workflow
	replies   []*models.PendingReply
	attempts  []*models.PaymentPlanAttempt
	events    []*models.EscalationEvent
	steps     []*models.WorkflowStep
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: map[uuid.UUID]*models.Workflow{}}
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.workflows {
		if existing.ConversationID == w.ConversationID && existing.Status.Active() {
			return errors.New("duplicate active workflow")
		}
	}
	cp := *w
	f.workflows[w.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return models.Workflow{}, errors.New("workflow not found")
	}
	return *w, nil
}

func (f *fakeStore) ActiveWorkflowByConversation(ctx context.Context, conversationID string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workflows {
		if w.ConversationID == conversationID && w.Status.Active() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TransitionWorkflow(ctx context.Context, id uuid.UUID, from []models.WorkflowStatus, to models.WorkflowStatus, errDetail *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return false, errors.New("workflow not found")
	}
	allowed := false
	for _, st := range from {
		if w.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	w.Status = to
	w.ErrorDetail = errDetail
	w.LastActivity = time.Now().UTC()
	return true, nil
}

func (f *fakeStore) TouchWorkflow(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workflows[id]; ok {
		w.LastActivity = time.Now().UTC()
	}
	return nil
}

func (f *fakeStore) SetSendMarker(ctx context.Context, id uuid.UUID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workflows[id]; ok && w.SendMessageID == nil {
		w.SendMessageID = &messageID
	}
	return nil
}

func (f *fakeStore) IncrementRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return false, nil
	}
	if w.Status != models.StatusFailed && w.Status != models.StatusEscalated {
		return false, nil
	}
	if w.RetryCount >= maxRetries {
		return false, nil
	}
	w.Status = models.StatusProcessing
	w.RetryCount++
	w.ErrorDetail = nil
	return true, nil
}

func (f *fakeStore) StalledWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Workflow
	for _, w := range f.workflows {
		if (w.Status == models.StatusProcessing || w.Status == models.StatusAwaitingApproval) && w.LastActivity.Before(before) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPlanAttempts(ctx context.Context, workflowID uuid.UUID) ([]models.PaymentPlanAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentPlanAttempt
	for _, a := range f.attempts {
		if a.WorkflowID == workflowID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPendingReply(ctx context.Context, r *models.PendingReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.replies = append(f.replies, &cp)
	return nil
}

func (f *fakeStore) InsertPlanAttempt(ctx context.Context, a *models.PaymentPlanAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeStore) InsertEscalationEvent(ctx context.Context, e *models.EscalationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeStore) OpenEscalationCount(ctx context.Context, workflowID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, e := range f.events {
		if e.WorkflowID == workflowID && e.ResolvedAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) ResolveEscalations(ctx context.Context, workflowID uuid.UUID, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, e := range f.events {
		if e.WorkflowID == workflowID && e.ResolvedAt == nil {
			e.ResolvedBy = &actorID
			e.ResolvedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) StartStep(ctx context.Context, step *models.WorkflowStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *step
	f.steps = append(f.steps, &cp)
	return nil
}

func (f *fakeStore) FinishStep(ctx context.Context, stepID uuid.UUID, status models.StepStatus, output []byte, errDetail *string, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.steps {
		if s.ID == stepID && s.CompletedAt == nil {
			now := time.Now().UTC()
			s.Status = status
			s.Output = output
			s.ErrorDetail = errDetail
			s.DurationMS = duration.Milliseconds()
			s.CompletedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) stepNames(workflowID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.steps {
		if s.WorkflowID == workflowID {
			out = append(out, s.Name)
		}
	}
	return out
}

type fakeMonitor struct {
	tenant models.TenantContext
	err    error
}

func (m *fakeMonitor) TenantContext(ctx context.Context, tenantID string) (models.TenantContext, error) {
	if m.err != nil {
		return models.TenantContext{}, m.err
	}
	return m.tenant, nil
}

type fakeSMS struct {
	mu         sync.Mutex
	sends      []string
	historyErr error
	sendErr    error
}

func (s *fakeSMS) History(ctx context.Context, phoneNumber string, limit int) ([]models.ConversationMessage, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return nil, nil
}

func (s *fakeSMS) Send(ctx context.Context, to, body, conversationID string) (client.SendAck, error) {
	if s.sendErr != nil {
		return client.SendAck{}, s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, body)
	return client.SendAck{MessageID: "msg-1", Status: "accepted"}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string, metadata map[string]any) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return "trk-1", nil
}

type fakeGenerator struct {
	reply ai.Reply
	err   error
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req ai.Request) (ai.Reply, error) {
	if g.err != nil {
		return ai.Reply{}, g.err
	}
	return g.reply, nil
}

func newTestEngine(store Store, gen ai.Generator, monitor client.Monitor, sms client.SMS, notifier client.Notifier) *Engine {
	return &Engine{
		Store:              store,
		Monitor:            monitor,
		SMS:                sms,
		Notifier:           notifier,
		Generator:          gen,
		Detector:           escalation.DefaultDetector(36 * time.Hour),
		Rules:              plan.DefaultRules(),
		AutoSendThreshold:  0.85,
		ApprovalThreshold:  0.60,
		ProcessingDeadline: 5 * time.Second,
		HistoryLimit:       20,
		OnDuplicate:        DuplicateAttach,
		MaxRetries:         3,
		Logger:             zerolog.Nop(),
	}
}

func submitAndProcess(t *testing.T, e *Engine, content string) models.Workflow {
	t.Helper()
	w, attached, err := e.Submit(context.Background(), InboundMessage{
		TenantID:       "t-1",
		PhoneNumber:    "+15550001111",
		ConversationID: "conv-1",
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Direction:      "inbound",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attached {
		t.Fatal("unexpected attach")
	}
	e.Process(context.Background(), w.ID)
	final, err := e.Store.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return final
}

func TestHighConfidenceAutoSends(t *testing.T) {
	store := newFakeStore()
	sms := &fakeSMS{}
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "We can work with that.", Confidence: 0.92}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1", TenantPortion: 600}},
		sms, &fakeNotifier{})

	w := submitAndProcess(t, e, "When is my balance due?")
	if w.Status != models.StatusSent {
		t.Fatalf("expected sent, got %s (%v)", w.Status, w.ErrorDetail)
	}
	if len(sms.sends) != 1 {
		t.Fatalf("expected one send, got %d", len(sms.sends))
	}

	names := store.stepNames(w.ID)
	want := []string{"context_fetch", "generation", "send"}
	if len(names) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("expected steps %v, got %v", want, names)
		}
	}
	for _, s := range store.steps {
		if s.Status != models.StepCompleted {
			t.Fatalf("step %s not completed: %s", s.Name, s.Status)
		}
	}
	if len(store.replies) != 1 || store.replies[0].Status != models.ReplyAutoSent {
		t.Fatalf("expected one auto_sent reply, got %+v", store.replies)
	}
	if w.SendMessageID == nil || *w.SendMessageID != "msg-1" {
		t.Fatalf("expected send marker, got %v", w.SendMessageID)
	}
}

func TestTenantNotFoundFailsWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "hi", Confidence: 0.92}},
		&fakeMonitor{err: resilience.Reject("monitor", client.ErrTenantNotFound)},
		&fakeSMS{}, &fakeNotifier{})

	w := submitAndProcess(t, e, "hello")
	if w.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", w.Status)
	}
	if len(store.replies) != 0 || len(store.events) != 0 {
		t.Fatalf("expected no replies or escalations, got %d/%d", len(store.replies), len(store.events))
	}
	if w.ErrorDetail == nil {
		t.Fatal("expected error detail")
	}
}

func TestHistoryFailureDegrades(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "ok", Confidence: 0.92}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{historyErr: errors.New("history down")}, &fakeNotifier{})

	w := submitAndProcess(t, e, "hello")
	if w.Status != models.StatusSent {
		t.Fatalf("history failure must not be fatal, got %s (%v)", w.Status, w.ErrorDetail)
	}
}

func TestMidConfidenceQueuesForApproval(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "maybe", Confidence: 0.75}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, notifier)

	w := submitAndProcess(t, e, "can I get an extension?")
	if w.Status != models.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", w.Status)
	}
	if len(store.replies) != 1 || store.replies[0].Status != models.ReplyPending {
		t.Fatalf("expected one pending reply, got %+v", store.replies)
	}
	if notifier.count != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count)
	}
}

func TestNotificationFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "maybe", Confidence: 0.75}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{err: errors.New("notify down")})

	w := submitAndProcess(t, e, "can I get an extension?")
	if w.Status != models.StatusAwaitingApproval {
		t.Fatalf("notification failure must not block queueing, got %s", w.Status)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "unsure", Confidence: 0.40}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{})

	w := submitAndProcess(t, e, "something unusual")
	if w.Status != models.StatusEscalated {
		t.Fatalf("expected escalated, got %s", w.Status)
	}
	if len(store.events) != 1 || store.events[0].Category != models.EscalationLowConfidence {
		t.Fatalf("expected low_confidence event, got %+v", store.events)
	}
	if len(store.replies) != 1 || store.replies[0].Status != models.ReplyEscalated {
		t.Fatalf("expected escalated reply, got %+v", store.replies)
	}
}

func TestHostileMessageEscalatesDespiteHighConfidence(t *testing.T) {
	store := newFakeStore()
	sms := &fakeSMS{}
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "sure", Confidence: 0.95}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		sms, &fakeNotifier{})

	w := submitAndProcess(t, e, "I'll call my lawyer")
	if w.Status != models.StatusEscalated {
		t.Fatalf("expected escalated, got %s", w.Status)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one event, got %d", len(store.events))
	}
	if store.events[0].Category != models.EscalationHostileLanguage || store.events[0].Severity != models.SeverityHigh {
		t.Fatalf("expected hostile_language/high, got %s/%s", store.events[0].Category, store.events[0].Severity)
	}
	if len(sms.sends) != 0 {
		t.Fatal("escalated workflow must not auto-send")
	}
}

func TestBoundaryConfidences(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "ok", Confidence: 0.85}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{})
	w := submitAndProcess(t, e, "hello")
	if w.Status != models.StatusSent {
		t.Fatalf("0.85 must auto-send, got %s", w.Status)
	}

	store2 := newFakeStore()
	e2 := newTestEngine(store2,
		&fakeGenerator{reply: ai.Reply{Text: "ok", Confidence: 0.60}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{})
	w2 := submitAndProcess(t, e2, "hello")
	if w2.Status != models.StatusAwaitingApproval {
		t.Fatalf("0.60 must queue, got %s", w2.Status)
	}
}

func TestPlanExtractionPersistsAttempt(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "Sounds workable.", Confidence: 0.92}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1", TenantPortion: 600}},
		&fakeSMS{}, &fakeNotifier{})

	w := submitAndProcess(t, e, "I can pay $150 per week for 4 weeks")
	if w.Status != models.StatusSent {
		t.Fatalf("expected sent, got %s (%v)", w.Status, w.ErrorDetail)
	}
	if len(store.attempts) != 1 {
		t.Fatalf("expected one plan attempt, got %d", len(store.attempts))
	}
	a := store.attempts[0]
	if !a.Valid || !a.AutoApprovable || a.Status != models.PlanValid {
		t.Fatalf("expected valid auto-approvable attempt, got %+v", a)
	}
	if a.TotalAmount() != 600 {
		t.Fatalf("expected total 600, got %f", a.TotalAmount())
	}

	names := store.stepNames(w.ID)
	want := []string{"context_fetch", "generation", "plan_persist", "send"}
	if len(names) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, names)
	}
}

func TestDuplicateRejectPolicy(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "ok", Confidence: 0.75}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{})
	e.OnDuplicate = DuplicateReject

	msg := InboundMessage{TenantID: "t-1", PhoneNumber: "+15550001111", ConversationID: "conv-1", Content: "hi"}
	first, _, err := e.Submit(context.Background(), msg)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err = e.Submit(context.Background(), msg)
	if !errors.Is(err, ErrDuplicateConversation) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}

	e.OnDuplicate = DuplicateAttach
	w, attached, err := e.Submit(context.Background(), msg)
	if err != nil || !attached {
		t.Fatalf("expected attach, got attached=%v err=%v", attached, err)
	}
	if w.ID != first.ID {
		t.Fatal("attach must return the existing workflow")
	}
}

func TestRetryReopensFailedWorkflow(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "ok", Confidence: 0.92}},
		&fakeMonitor{err: resilience.Reject("monitor", client.ErrTenantNotFound)},
		&fakeSMS{}, &fakeNotifier{})

	w := submitAndProcess(t, e, "hello")
	if w.Status != models.StatusFailed {
		t.Fatalf("setup: expected failed, got %s", w.Status)
	}

	reopened, err := e.Retry(context.Background(), w.ID, "op-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reopened.Status != models.StatusProcessing || reopened.RetryCount != 1 {
		t.Fatalf("expected processing with retry_count 1, got %+v", reopened)
	}
}

func TestRetryResolvesEscalationAndAllowsReescalation(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store,
		&fakeGenerator{reply: ai.Reply{Text: "sure", Confidence: 0.95}},
		&fakeMonitor{tenant: models.TenantContext{TenantID: "t-1"}},
		&fakeSMS{}, &fakeNotifier{})

	w := submitAndProcess(t, e, "I will call my lawyer")
	if w.Status != models.StatusEscalated {
		t.Fatalf("setup: expected escalated, got %s", w.Status)
	}

	reopened, err := e.Retry(context.Background(), w.ID, "op-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reopened.Status != models.StatusProcessing {
		t.Fatalf("expected processing after retry, got %s", reopened.Status)
	}
	if store.events[0].ResolvedAt == nil || store.events[0].ResolvedBy == nil || *store.events[0].ResolvedBy != "op-1" {
		t.Fatalf("retry must resolve the open escalation, got %+v", store.events[0])
	}

	// The message is still hostile, so the rerun escalates again instead
	// of failing on the previous open event.
	e.Process(context.Background(), w.ID)
	final, err := e.Store.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if final.Status != models.StatusEscalated {
		t.Fatalf("expected escalated after rerun, got %s (%v)", final.Status, final.ErrorDetail)
	}
	if len(store.events) != 2 {
		t.Fatalf("expected a second escalation event, got %d", len(store.events))
	}
	if store.events[1].ResolvedAt != nil {
		t.Fatal("second event must be open")
	}
}

func TestRetryRejectsCompletedAndExhausted(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeGenerator{}, &fakeMonitor{}, &fakeSMS{}, &fakeNotifier{})

	done := &models.Workflow{ID: uuid.New(), ConversationID: "conv-done", Status: models.StatusCompleted}
	store.workflows[done.ID] = done
	if _, err := e.Retry(context.Background(), done.ID, "op-1"); !errors.Is(err, ErrWorkflowCompleted) {
		t.Fatalf("expected completed conflict, got %v", err)
	}

	spent := &models.Workflow{ID: uuid.New(), ConversationID: "conv-spent", Status: models.StatusFailed, RetryCount: 3}
	store.workflows[spent.ID] = spent
	if _, err := e.Retry(context.Background(), spent.ID, "op-1"); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected retry exhausted, got %v", err)
	}
}
