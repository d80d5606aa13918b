package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propertyops/orchestrator/internal/client"
	"github.com/propertyops/orchestrator/internal/escalation"
	"github.com/propertyops/orchestrator/internal/models"
)

var (
	ErrAlreadyResolved = errors.New("pending reply already resolved")
	ErrTextRequired    = errors.New("modify requires replacement text")
	ErrUnknownAction   = errors.New("unknown resolution action")
)

type Action string

const (
	ActionApprove  Action = "approve"
	ActionModify   Action = "modify"
	ActionEscalate Action = "escalate"
)

// Store is the persistence slice the router needs; *db.Store implements it.
type Store interface {
	GetPendingReply(ctx context.Context, id uuid.UUID) (models.PendingReply, error)
	ClaimPendingReply(ctx context.Context, id uuid.UUID, to models.ReplyStatus, action, actorID string, editedText *string) (bool, error)
	ReopenPendingReply(ctx context.Context, id uuid.UUID) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error)
	TransitionWorkflow(ctx context.Context, id uuid.UUID, from []models.WorkflowStatus, to models.WorkflowStatus, errDetail *string) (bool, error)
	SetSendMarker(ctx context.Context, id uuid.UUID, messageID string) error
	InsertApprovalAudit(ctx context.Context, a *models.ApprovalAudit) error
	StartStep(ctx context.Context, step *models.WorkflowStep) error
	FinishStep(ctx context.Context, stepID uuid.UUID, status models.StepStatus, output []byte, errDetail *string, duration time.Duration) error
}

// Escalator is the engine's shared escalation path.
type Escalator interface {
	Escalate(ctx context.Context, w models.Workflow, trigger escalation.Trigger, autoDetected bool) error
}

type Resolution struct {
	Action  Action
	ActorID string
	Text    string
	Reason  string
}

// Router resolves queued replies. The claim on the pending row is the
// concurrency gate: whichever operator flips pending to its target status
// owns the resolution, everyone else gets a conflict.
type Router struct {
	Store     Store
	SMS       client.SMS
	Escalator Escalator
	Logger    zerolog.Logger
}

// Resolve applies an operator decision to a queued reply. Approve sends the
// generated text as-is, modify sends the operator's replacement, escalate
// hands the workflow to a human without sending anything. Resolving an
// already-resolved reply returns ErrAlreadyResolved.
func (r *Router) Resolve(ctx context.Context, replyID uuid.UUID, res Resolution) (models.PendingReply, error) {
	reply, err := r.Store.GetPendingReply(ctx, replyID)
	if err != nil {
		return models.PendingReply{}, err
	}

	var (
		target   models.ReplyStatus
		sendText string
		edited   *string
	)
	switch res.Action {
	case ActionApprove:
		target = models.ReplyApproved
		sendText = reply.ReplyText
	case ActionModify:
		if strings.TrimSpace(res.Text) == "" {
			return models.PendingReply{}, ErrTextRequired
		}
		target = models.ReplyModified
		sendText = res.Text
		edited = &res.Text
	case ActionEscalate:
		target = models.ReplyEscalated
	default:
		return models.PendingReply{}, fmt.Errorf("%w: %q", ErrUnknownAction, res.Action)
	}

	claimed, err := r.Store.ClaimPendingReply(ctx, replyID, target, string(res.Action), res.ActorID, edited)
	if err != nil {
		return models.PendingReply{}, err
	}
	if !claimed {
		return models.PendingReply{}, ErrAlreadyResolved
	}

	w, err := r.Store.GetWorkflow(ctx, reply.WorkflowID)
	if err != nil {
		return models.PendingReply{}, err
	}

	switch res.Action {
	case ActionApprove, ActionModify:
		err = r.sendApproved(ctx, w, sendText, res.ActorID)
	case ActionEscalate:
		err = r.escalate(ctx, w, res)
	}
	if err != nil {
		// Put the item back in the queue so the decision can be retried.
		if rerr := r.Store.ReopenPendingReply(context.WithoutCancel(ctx), replyID); rerr != nil {
			r.Logger.Error().Err(rerr).Str("reply_id", replyID.String()).Msg("reply reopen failed")
		}
		return models.PendingReply{}, err
	}

	r.audit(ctx, reply, w, res, sendText)
	return r.Store.GetPendingReply(ctx, replyID)
}

func (r *Router) sendApproved(ctx context.Context, w models.Workflow, body, actorID string) error {
	step := models.WorkflowStep{
		ID:         uuid.New(),
		WorkflowID: w.ID,
		Name:       "approved_send",
		Category:   models.StepExternalCall,
		Status:     models.StepStarted,
		Input:      []byte(fmt.Sprintf(`{"to":%q,"actor_id":%q}`, w.PhoneNumber, actorID)),
		StartedAt:  time.Now().UTC(),
	}
	if err := r.Store.StartStep(ctx, &step); err != nil {
		return err
	}

	messageID, err := r.deliver(ctx, w, body)
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		detail := err.Error()
		if ferr := r.Store.FinishStep(finishCtx, step.ID, models.StepFailed, nil, &detail, time.Since(step.StartedAt)); ferr != nil {
			r.Logger.Error().Err(ferr).Str("step", step.Name).Msg("step finish failed")
		}
		return err
	}
	if ferr := r.Store.FinishStep(finishCtx, step.ID, models.StepCompleted,
		[]byte(fmt.Sprintf(`{"message_id":%q}`, messageID)), nil, time.Since(step.StartedAt)); ferr != nil {
		r.Logger.Error().Err(ferr).Str("step", step.Name).Msg("step finish failed")
	}

	ok, err := r.Store.TransitionWorkflow(ctx, w.ID, []models.WorkflowStatus{models.StatusAwaitingApproval}, models.StatusSent, nil)
	if err != nil {
		return err
	}
	if !ok {
		r.Logger.Warn().Str("workflow_id", w.ID.String()).Msg("workflow left approval state before send recorded")
	}
	return nil
}

// deliver honors the workflow's send marker so an operator double-click or a
// retried resolution cannot message the tenant twice.
func (r *Router) deliver(ctx context.Context, w models.Workflow, body string) (string, error) {
	if w.SendMessageID != nil {
		return *w.SendMessageID, nil
	}
	ack, err := r.SMS.Send(ctx, w.PhoneNumber, body, w.ConversationID)
	if err != nil {
		return "", err
	}
	if err := r.Store.SetSendMarker(context.WithoutCancel(ctx), w.ID, ack.MessageID); err != nil {
		r.Logger.Error().Err(err).Str("workflow_id", w.ID.String()).Msg("send marker write failed")
	}
	return ack.MessageID, nil
}

func (r *Router) escalate(ctx context.Context, w models.Workflow, res Resolution) error {
	reason := res.Reason
	if reason == "" {
		reason = fmt.Sprintf("escalated from approval queue by %s", res.ActorID)
	}
	return r.Escalator.Escalate(ctx, w, escalation.Trigger{
		Category: models.EscalationManual,
		Severity: escalation.SeverityFor(models.EscalationManual),
		Reason:   reason,
	}, false)
}

func (r *Router) audit(ctx context.Context, reply models.PendingReply, w models.Workflow, res Resolution, sendText string) {
	audit := models.ApprovalAudit{
		ID:             uuid.New(),
		PendingReplyID: reply.ID,
		WorkflowID:     w.ID,
		Action:         string(res.Action),
		OriginalText:   reply.ReplyText,
		ActorID:        res.ActorID,
		CreatedAt:      time.Now().UTC(),
	}
	if res.Action != ActionEscalate {
		audit.FinalText = &sendText
	}
	if res.Reason != "" {
		audit.Reason = &res.Reason
	}
	if err := r.Store.InsertApprovalAudit(ctx, &audit); err != nil {
		r.Logger.Error().Err(err).Str("reply_id", reply.ID.String()).Msg("approval audit write failed")
	}
}
