package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/propertyops/orchestrator/internal/models"
)

// Store is the slice of persistence the engine and sweeper need; *db.Store
// implements it, tests inject a fake.
type Store interface {
	CreateWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error)
	ActiveWorkflowByConversation(ctx context.Context, conversationID string) (*models.Workflow, error)
	TransitionWorkflow(ctx context.Context, id uuid.UUID, from []models.WorkflowStatus, to models.WorkflowStatus, errDetail *string) (bool, error)
	TouchWorkflow(ctx context.Context, id uuid.UUID) error
	SetSendMarker(ctx context.Context, id uuid.UUID, messageID string) error
	IncrementRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error)
	StalledWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error)
	ListPlanAttempts(ctx context.Context, workflowID uuid.UUID) ([]models.PaymentPlanAttempt, error)
	InsertPendingReply(ctx context.Context, r *models.PendingReply) error
	InsertPlanAttempt(ctx context.Context, a *models.PaymentPlanAttempt) error
	InsertEscalationEvent(ctx context.Context, e *models.EscalationEvent) error
	OpenEscalationCount(ctx context.Context, workflowID uuid.UUID) (int, error)
	ResolveEscalations(ctx context.Context, workflowID uuid.UUID, actorID string) error
	StartStep(ctx context.Context, step *models.WorkflowStep) error
	FinishStep(ctx context.Context, stepID uuid.UUID, status models.StepStatus, output []byte, errDetail *string, duration time.Duration) error
}
