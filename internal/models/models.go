package models

import (
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	StatusReceived         WorkflowStatus = "received"
	StatusProcessing       WorkflowStatus = "processing"
	StatusAwaitingApproval WorkflowStatus = "awaiting_approval"
	StatusSent             WorkflowStatus = "sent"
	StatusEscalated        WorkflowStatus = "escalated"
	StatusCompleted        WorkflowStatus = "completed"
	StatusFailed           WorkflowStatus = "failed"
)

// Active means the workflow still owns its conversation: a second inbound
// message for the same conversation must attach to it or be rejected.
func (s WorkflowStatus) Active() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusAwaitingApproval:
		return true
	}
	return false
}

func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted
}

var validTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusReceived:         {StatusProcessing, StatusFailed},
	StatusProcessing:       {StatusAwaitingApproval, StatusSent, StatusEscalated, StatusFailed},
	StatusAwaitingApproval: {StatusSent, StatusEscalated, StatusFailed},
	StatusSent:             {StatusCompleted, StatusFailed},
	StatusEscalated:        {StatusProcessing, StatusCompleted, StatusFailed},
	StatusFailed:           {StatusProcessing},
	StatusCompleted:        {},
}

func CanTransition(from, to WorkflowStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type WorkflowKind string

const (
	KindMessageProcessing WorkflowKind = "message_processing"
	KindPlanValidation    WorkflowKind = "plan_validation"
	KindEscalation        WorkflowKind = "escalation"
)

type Workflow struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	PhoneNumber    string         `json:"phone_number"`
	Kind           WorkflowKind   `json:"kind"`
	Status         WorkflowStatus `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivity   time.Time      `json:"last_activity"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ErrorDetail    *string        `json:"error_detail,omitempty"`
	RetryCount     int            `json:"retry_count"`
	SendMessageID  *string        `json:"send_message_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ReplyStatus string

const (
	ReplyPending   ReplyStatus = "pending"
	ReplyApproved  ReplyStatus = "approved"
	ReplyModified  ReplyStatus = "modified"
	ReplyEscalated ReplyStatus = "escalated"
	ReplyAutoSent  ReplyStatus = "auto_sent"
)

type PendingReply struct {
	ID          uuid.UUID   `json:"id"`
	WorkflowID  uuid.UUID   `json:"workflow_id"`
	InboundText string      `json:"inbound_text"`
	ReplyText   string      `json:"reply_text"`
	Confidence  float64     `json:"confidence"`
	Status      ReplyStatus `json:"status"`
	ActionTaken *string     `json:"action_taken,omitempty"`
	EditedText  *string     `json:"edited_text,omitempty"`
	ActorID     *string     `json:"actor_id,omitempty"`
	ActionAt    *time.Time  `json:"action_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

type PlanSource string

const (
	SourceInboundText    PlanSource = "inbound_text"
	SourceGeneratedReply PlanSource = "generated_reply"
)

type PlanStatus string

const (
	PlanDetected    PlanStatus = "detected"
	PlanValid       PlanStatus = "valid"
	PlanInvalid     PlanStatus = "invalid"
	PlanNeedsReview PlanStatus = "needs_review"
)

type PaymentPlanAttempt struct {
	ID             uuid.UUID  `json:"id"`
	WorkflowID     uuid.UUID  `json:"workflow_id"`
	Source         PlanSource `json:"source"`
	WeeklyAmount   float64    `json:"weekly_amount"`
	DurationWeeks  int        `json:"duration_weeks"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	Valid          bool       `json:"valid"`
	AutoApprovable bool       `json:"auto_approvable"`
	IssueCodes     []string   `json:"issue_codes"`
	Status         PlanStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TotalAmount is always derived, never stored.
func (p PaymentPlanAttempt) TotalAmount() float64 {
	return p.WeeklyAmount * float64(p.DurationWeeks)
}

type EscalationCategory string

const (
	EscalationHostileLanguage EscalationCategory = "hostile_language"
	EscalationDispute         EscalationCategory = "dispute"
	EscalationUnrealistic     EscalationCategory = "unrealistic_proposal"
	EscalationTimeout         EscalationCategory = "timeout"
	EscalationLowConfidence   EscalationCategory = "low_confidence"
	EscalationManual          EscalationCategory = "manual"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EscalationEvent struct {
	ID           uuid.UUID          `json:"id"`
	WorkflowID   uuid.UUID          `json:"workflow_id"`
	Category     EscalationCategory `json:"category"`
	Severity     Severity           `json:"severity"`
	Reason       string             `json:"reason"`
	AutoDetected bool               `json:"auto_detected"`
	ResolvedBy   *string            `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

type StepCategory string

const (
	StepExternalCall StepCategory = "external_call"
	StepGeneration   StepCategory = "generation"
	StepPersistence  StepCategory = "persistence"
	StepNotification StepCategory = "notification"
)

type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type WorkflowStep struct {
	ID          uuid.UUID    `json:"id"`
	WorkflowID  uuid.UUID    `json:"workflow_id"`
	Name        string       `json:"name"`
	Category    StepCategory `json:"category"`
	Status      StepStatus   `json:"status"`
	Input       []byte       `json:"input,omitempty"`
	Output      []byte       `json:"output,omitempty"`
	ErrorDetail *string      `json:"error_detail,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

type ApprovalAudit struct {
	ID             uuid.UUID `json:"id"`
	PendingReplyID uuid.UUID `json:"pending_reply_id"`
	WorkflowID     uuid.UUID `json:"workflow_id"`
	Action         string    `json:"action"`
	OriginalText   string    `json:"original_text"`
	FinalText      *string   `json:"final_text,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
	ActorID        string    `json:"actor_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// TenantContext is the collections-monitor view of a tenant, consumed as-is.
type TenantContext struct {
	TenantID         string  `json:"tenant_id"`
	BalanceOwed      float64 `json:"balance_owed"`
	TenantPortion    float64 `json:"tenant_portion"`
	DaysLate         int     `json:"days_late"`
	ReliabilityScore float64 `json:"reliability_score"`
	FailedPlans      int     `json:"failed_plans"`
	SuccessfulPlans  int     `json:"successful_plans"`
	Language         string  `json:"language"`
}

type ConversationMessage struct {
	Direction string    `json:"direction"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
