package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/propertyops/orchestrator/internal/ai"
	"github.com/propertyops/orchestrator/internal/client"
	"github.com/propertyops/orchestrator/internal/db"
	"github.com/propertyops/orchestrator/internal/escalation"
	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/plan"
)

var (
	ErrDuplicateConversation = errors.New("conversation already has an active workflow")
	ErrWorkflowCompleted     = errors.New("workflow already completed")
	ErrRetryNotAllowed       = errors.New("workflow is not retryable")
	ErrNotEscalatable        = errors.New("workflow cannot be escalated in its current state")
)

type DuplicatePolicy string

const (
	DuplicateAttach DuplicatePolicy = "attach"
	DuplicateReject DuplicatePolicy = "reject"
)

type InboundMessage struct {
	TenantID       string
	PhoneNumber    string
	ConversationID string
	Content        string
	Timestamp      time.Time
	Direction      string
}

// Engine owns the lifecycle of one workflow per inbound message: context
// fetch, generation, extraction, escalation detection, routing. Steps run
// strictly sequentially; each step's output conditions the next decision.
type Engine struct {
	Store     Store
	Monitor   client.Monitor
	SMS       client.SMS
	Notifier  client.Notifier
	Generator ai.Generator
	Detector  *escalation.Detector

	Rules              plan.Rules
	AutoSendThreshold  float64
	ApprovalThreshold  float64
	ProcessingDeadline time.Duration
	HistoryLimit       int
	OnDuplicate        DuplicatePolicy
	MaxRetries         int

	Logger zerolog.Logger
}

var activeStatuses = []models.WorkflowStatus{
	models.StatusReceived, models.StatusProcessing, models.StatusAwaitingApproval,
}

// Submit creates the workflow for an inbound message, or applies the
// duplicate policy when the conversation already has an active one. The
// returned bool reports whether the message attached to an existing
// workflow instead of creating a new one.
func (e *Engine) Submit(ctx context.Context, msg InboundMessage) (models.Workflow, bool, error) {
	active, err := e.Store.ActiveWorkflowByConversation(ctx, msg.ConversationID)
	if err != nil {
		return models.Workflow{}, false, err
	}
	if active != nil {
		return e.handleDuplicate(ctx, *active)
	}

	now := time.Now().UTC()
	w := models.Workflow{
		ID:             uuid.New(),
		ConversationID: msg.ConversationID,
		TenantID:       msg.TenantID,
		PhoneNumber:    msg.PhoneNumber,
		Kind:           models.KindMessageProcessing,
		Status:         models.StatusReceived,
		StartedAt:      now,
		LastActivity:   now,
		Metadata: map[string]any{
			"inbound_text":      msg.Content,
			"inbound_timestamp": msg.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if err := e.Store.CreateWorkflow(ctx, &w); err != nil {
		// Lost a creation race: fall back to the duplicate policy.
		if errors.Is(err, db.ErrDuplicateActiveWorkflow) {
			active, aerr := e.Store.ActiveWorkflowByConversation(ctx, msg.ConversationID)
			if aerr == nil && active != nil {
				return e.handleDuplicate(ctx, *active)
			}
		}
		return models.Workflow{}, false, err
	}

	if _, err := e.Store.TransitionWorkflow(ctx, w.ID, []models.WorkflowStatus{models.StatusReceived}, models.StatusProcessing, nil); err != nil {
		return models.Workflow{}, false, err
	}
	w.Status = models.StatusProcessing
	return w, false, nil
}

func (e *Engine) handleDuplicate(ctx context.Context, active models.Workflow) (models.Workflow, bool, error) {
	if e.OnDuplicate == DuplicateReject {
		return active, false, ErrDuplicateConversation
	}
	if err := e.Store.TouchWorkflow(ctx, active.ID); err != nil {
		return models.Workflow{}, false, err
	}
	return active, true, nil
}

// Process runs the pipeline for a submitted workflow under the overall
// processing deadline. A deadline overrun fails the workflow via a
// conditional write so a stale in-flight result cannot resurrect it.
func (e *Engine) Process(ctx context.Context, workflowID uuid.UUID) {
	if e.ProcessingDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ProcessingDeadline)
		defer cancel()
	}

	w, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.Logger.Error().Err(err).Str("workflow_id", workflowID.String()).Msg("workflow load failed")
		return
	}
	content, _ := w.Metadata["inbound_text"].(string)

	tenant, history, err := e.fetchContext(ctx, w)
	if err != nil {
		e.fail(ctx, w, fmt.Errorf("tenant context fetch: %w", err))
		return
	}

	reply, err := e.generate(ctx, w, tenant, history, content)
	if err != nil {
		e.fail(ctx, w, fmt.Errorf("reply generation: %w", err))
		return
	}

	attempts, err := e.extractPlan(ctx, w, tenant, content, reply.Text)
	if err != nil {
		e.fail(ctx, w, fmt.Errorf("plan persistence: %w", err))
		return
	}

	trigger := e.Detector.Evaluate(w, content, attempts, time.Now().UTC())
	if err := e.route(ctx, w, content, reply, trigger); err != nil {
		e.fail(ctx, w, err)
	}
}

func (e *Engine) fetchContext(ctx context.Context, w models.Workflow) (models.TenantContext, []models.ConversationMessage, error) {
	var (
		tenant   models.TenantContext
		history  []models.ConversationMessage
		degraded bool
	)
	err := e.runStep(ctx, w.ID, "context_fetch", models.StepExternalCall,
		map[string]any{"tenant_id": w.TenantID, "phone_number": w.PhoneNumber},
		func(ctx context.Context) (any, error) {
			var err error
			tenant, err = e.Monitor.TenantContext(ctx, w.TenantID)
			if err != nil {
				return nil, err
			}
			// Missing history is survivable; the reply is just less informed.
			history, err = e.SMS.History(ctx, w.PhoneNumber, e.HistoryLimit)
			if err != nil {
				e.Logger.Warn().Err(err).Str("workflow_id", w.ID.String()).Msg("history fetch degraded")
				history = nil
				degraded = true
			}
			return map[string]any{"history_count": len(history), "history_degraded": degraded}, nil
		})
	return tenant, history, err
}

func (e *Engine) generate(ctx context.Context, w models.Workflow, tenant models.TenantContext, history []models.ConversationMessage, content string) (ai.Reply, error) {
	var reply ai.Reply
	err := e.runStep(ctx, w.ID, "generation", models.StepGeneration,
		map[string]any{"message": content, "language": tenant.Language},
		func(ctx context.Context) (any, error) {
			var err error
			reply, err = e.Generator.GenerateReply(ctx, ai.Request{
				Tenant:   tenant,
				History:  history,
				Message:  content,
				Language: tenant.Language,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"confidence": reply.Confidence}, nil
		})
	return reply, err
}

func (e *Engine) extractPlan(ctx context.Context, w models.Workflow, tenant models.TenantContext, content, replyText string) ([]models.PaymentPlanAttempt, error) {
	now := time.Now().UTC()
	proposal := plan.Extract(content, replyText, now)
	if proposal == nil {
		return nil, nil
	}

	validation := plan.Validate(*proposal, tenant, e.Rules, now)
	attempt := models.PaymentPlanAttempt{
		ID:             uuid.New(),
		WorkflowID:     w.ID,
		Source:         proposal.Source,
		WeeklyAmount:   proposal.WeeklyAmount,
		DurationWeeks:  proposal.DurationWeeks,
		StartDate:      proposal.StartDate,
		Valid:          validation.Valid,
		AutoApprovable: validation.AutoApprovable,
		IssueCodes:     validation.AllIssues(),
		Status:         validation.Status,
		CreatedAt:      now,
	}

	err := e.runStep(ctx, w.ID, "plan_persist", models.StepPersistence,
		map[string]any{"weekly_amount": attempt.WeeklyAmount, "duration_weeks": attempt.DurationWeeks},
		func(ctx context.Context) (any, error) {
			if err := e.Store.InsertPlanAttempt(ctx, &attempt); err != nil {
				return nil, err
			}
			return map[string]any{"status": attempt.Status, "issues": attempt.IssueCodes}, nil
		})
	if err != nil {
		return nil, err
	}
	return []models.PaymentPlanAttempt{attempt}, nil
}

func (e *Engine) route(ctx context.Context, w models.Workflow, content string, reply ai.Reply, trigger *escalation.Trigger) error {
	r := e.decide(reply.Confidence, trigger)
	switch r.kind {
	case routeAutoSend:
		return e.autoSend(ctx, w, content, reply)
	case routeQueue:
		return e.queue(ctx, w, content, reply)
	case routeEscalate:
		if err := e.insertReply(ctx, w, content, reply, models.ReplyEscalated); err != nil {
			return err
		}
		return e.Escalate(ctx, w, *r.trigger, true)
	default:
		return fmt.Errorf("unhandled route %d", r.kind)
	}
}

type routeKind int

const (
	routeAutoSend routeKind = iota
	routeQueue
	routeEscalate
)

type routeDecision struct {
	kind    routeKind
	trigger *escalation.Trigger
}

// decide applies the confidence policy. A detector trigger always wins;
// boundary confidences land in the upper band.
func (e *Engine) decide(confidence float64, trigger *escalation.Trigger) routeDecision {
	if trigger != nil {
		return routeDecision{kind: routeEscalate, trigger: trigger}
	}
	switch {
	case confidence >= e.AutoSendThreshold:
		return routeDecision{kind: routeAutoSend}
	case confidence >= e.ApprovalThreshold:
		return routeDecision{kind: routeQueue}
	default:
		return routeDecision{
			kind: routeEscalate,
			trigger: &escalation.Trigger{
				Category: models.EscalationLowConfidence,
				Severity: escalation.SeverityFor(models.EscalationLowConfidence),
				Reason:   fmt.Sprintf("generation confidence %.2f below %.2f", confidence, e.ApprovalThreshold),
			},
		}
	}
}

func (e *Engine) autoSend(ctx context.Context, w models.Workflow, content string, reply ai.Reply) error {
	if err := e.send(ctx, w, reply.Text); err != nil {
		return err
	}
	if err := e.insertReply(ctx, w, content, reply, models.ReplyAutoSent); err != nil {
		return err
	}
	ok, err := e.Store.TransitionWorkflow(ctx, w.ID, []models.WorkflowStatus{models.StatusProcessing}, models.StatusSent, nil)
	if err != nil {
		return err
	}
	if !ok {
		e.Logger.Warn().Str("workflow_id", w.ID.String()).Msg("stale auto-send result dropped")
	}
	return nil
}

func (e *Engine) queue(ctx context.Context, w models.Workflow, content string, reply ai.Reply) error {
	if err := e.insertReply(ctx, w, content, reply, models.ReplyPending); err != nil {
		return err
	}
	ok, err := e.Store.TransitionWorkflow(ctx, w.ID, []models.WorkflowStatus{models.StatusProcessing}, models.StatusAwaitingApproval, nil)
	if err != nil {
		return err
	}
	if !ok {
		e.Logger.Warn().Str("workflow_id", w.ID.String()).Msg("stale queue result dropped")
		return nil
	}
	e.notify(ctx, w, "approval_notify",
		"Reply awaiting approval",
		fmt.Sprintf("Conversation %s has a reply at confidence %.2f awaiting review.", w.ConversationID, reply.Confidence))
	return nil
}

// Escalate is the single escalation path, shared by inline detection, the
// sweeper, the approval router, and manual requests. The conditional
// transition runs first so a repeat call cannot create a second event.
func (e *Engine) Escalate(ctx context.Context, w models.Workflow, trigger escalation.Trigger, autoDetected bool) error {
	open, err := e.Store.OpenEscalationCount(ctx, w.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return ErrNotEscalatable
	}

	ok, err := e.Store.TransitionWorkflow(ctx, w.ID, activeStatuses, models.StatusEscalated, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEscalatable
	}

	event := models.EscalationEvent{
		ID:           uuid.New(),
		WorkflowID:   w.ID,
		Category:     trigger.Category,
		Severity:     trigger.Severity,
		Reason:       trigger.Reason,
		AutoDetected: autoDetected,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.Store.InsertEscalationEvent(ctx, &event); err != nil {
		return err
	}

	e.notify(ctx, w, "escalation_notify",
		fmt.Sprintf("Escalation: %s (%s)", trigger.Category, trigger.Severity),
		fmt.Sprintf("Conversation %s escalated: %s", w.ConversationID, trigger.Reason))
	return nil
}

// Retry reopens a failed or escalated workflow for another processing pass.
// The retrying operator resolves any open escalation events, so the rerun can
// escalate again if it still needs to.
func (e *Engine) Retry(ctx context.Context, workflowID uuid.UUID, actorID string) (models.Workflow, error) {
	w, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	if w.Status == models.StatusCompleted {
		return models.Workflow{}, ErrWorkflowCompleted
	}

	ok, err := e.Store.IncrementRetry(ctx, workflowID, e.MaxRetries)
	if err != nil {
		return models.Workflow{}, err
	}
	if !ok {
		return models.Workflow{}, ErrRetryNotAllowed
	}
	if err := e.Store.ResolveEscalations(ctx, workflowID, actorID); err != nil {
		return models.Workflow{}, err
	}

	e.Logger.Info().
		Str("workflow_id", workflowID.String()).
		Str("actor_id", actorID).
		Msg("workflow retry initiated")
	return e.Store.GetWorkflow(ctx, workflowID)
}

func (e *Engine) insertReply(ctx context.Context, w models.Workflow, content string, reply ai.Reply, status models.ReplyStatus) error {
	return e.Store.InsertPendingReply(ctx, &models.PendingReply{
		ID:          uuid.New(),
		WorkflowID:  w.ID,
		InboundText: content,
		ReplyText:   reply.Text,
		Confidence:  reply.Confidence,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	})
}

// send delivers the reply, idempotent per workflow: a stored send marker is
// checked first, and the marker write after a successful send is retried
// independently so a blip cannot cause a double-send on workflow retry.
func (e *Engine) send(ctx context.Context, w models.Workflow, body string) error {
	return e.runStep(ctx, w.ID, "send", models.StepExternalCall,
		map[string]any{"to": w.PhoneNumber, "conversation_id": w.ConversationID},
		func(ctx context.Context) (any, error) {
			if w.SendMessageID != nil {
				return map[string]any{"message_id": *w.SendMessageID, "deduplicated": true}, nil
			}
			ack, err := e.SMS.Send(ctx, w.PhoneNumber, body, w.ConversationID)
			if err != nil {
				return nil, err
			}
			markerCtx := context.WithoutCancel(ctx)
			err = retry.Do(markerCtx, retry.WithMaxRetries(2, retry.NewConstant(100*time.Millisecond)), func(ctx context.Context) error {
				if err := e.Store.SetSendMarker(ctx, w.ID, ack.MessageID); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"message_id": ack.MessageID}, nil
		})
}

// notify makes a best-effort operator notification; failure is recorded on
// the step and logged, never fatal to the workflow.
func (e *Engine) notify(ctx context.Context, w models.Workflow, stepName, subject, body string) {
	err := e.runStep(ctx, w.ID, stepName, models.StepNotification,
		map[string]any{"subject": subject},
		func(ctx context.Context) (any, error) {
			trackingID, err := e.Notifier.Notify(ctx, subject, body, map[string]any{
				"workflow_id":     w.ID.String(),
				"conversation_id": w.ConversationID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"tracking_id": trackingID}, nil
		})
	if err != nil {
		e.Logger.Warn().Err(err).Str("workflow_id", w.ID.String()).Msg("notification failed")
	}
}

func (e *Engine) runStep(ctx context.Context, workflowID uuid.UUID, name string, category models.StepCategory, input any, fn func(ctx context.Context) (any, error)) error {
	step := models.WorkflowStep{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Name:       name,
		Category:   category,
		Status:     models.StepStarted,
		Input:      mustJSON(input),
		StartedAt:  time.Now().UTC(),
	}
	if err := e.Store.StartStep(ctx, &step); err != nil {
		return err
	}

	output, err := fn(ctx)

	// The step record must close even when the workflow deadline is gone.
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		detail := err.Error()
		if ferr := e.Store.FinishStep(finishCtx, step.ID, models.StepFailed, nil, &detail, time.Since(step.StartedAt)); ferr != nil {
			e.Logger.Error().Err(ferr).Str("step", name).Msg("step finish failed")
		}
		return err
	}
	if ferr := e.Store.FinishStep(finishCtx, step.ID, models.StepCompleted, mustJSON(output), nil, time.Since(step.StartedAt)); ferr != nil {
		e.Logger.Error().Err(ferr).Str("step", name).Msg("step finish failed")
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, w models.Workflow, cause error) {
	detail := cause.Error()
	if ctx.Err() != nil {
		detail = fmt.Sprintf("processing deadline exceeded: %s", detail)
	}
	nonTerminal := []models.WorkflowStatus{
		models.StatusReceived, models.StatusProcessing, models.StatusAwaitingApproval,
		models.StatusSent, models.StatusEscalated,
	}
	ok, err := e.Store.TransitionWorkflow(context.WithoutCancel(ctx), w.ID, nonTerminal, models.StatusFailed, &detail)
	if err != nil {
		e.Logger.Error().Err(err).Str("workflow_id", w.ID.String()).Msg("failure transition errored")
		return
	}
	if !ok {
		e.Logger.Warn().Str("workflow_id", w.ID.String()).Msg("stale failure result dropped")
		return
	}
	e.Logger.Error().Err(cause).Str("workflow_id", w.ID.String()).Msg("workflow failed")
}

func mustJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
