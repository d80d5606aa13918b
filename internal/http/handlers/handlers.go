package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/propertyops/orchestrator/internal/approval"
	"github.com/propertyops/orchestrator/internal/db"
	"github.com/propertyops/orchestrator/internal/escalation"
	"github.com/propertyops/orchestrator/internal/http/middleware"
	"github.com/propertyops/orchestrator/internal/metrics"
	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/workflow"
)

type Handler struct {
	Store     *db.Store
	Engine    *workflow.Engine
	Approvals *approval.Router
	Metrics   *metrics.Service
	Validator *validator.Validate
	Logger    zerolog.Logger
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type InboundRequest struct {
	TenantID       string `json:"tenant_id" validate:"required"`
	PhoneNumber    string `json:"phone_number" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
	Content        string `json:"content" validate:"required"`
	Timestamp      string `json:"timestamp"`
	Direction      string `json:"direction"`
}

// @Summary Submit an inbound tenant message
// @Description Starts (or attaches to) the workflow for the message's conversation
// @Tags orchestrate
// @Accept json
// @Produce json
// @Param request body InboundRequest true "Inbound message"
// @Success 202 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/orchestrate/inbound [post]
func (h *Handler) Inbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "timestamp must be RFC3339", err.Error())
			return
		}
		ts = parsed
	}

	w, attached, err := h.Engine.Submit(c.Request.Context(), workflow.InboundMessage{
		TenantID:       req.TenantID,
		PhoneNumber:    req.PhoneNumber,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Timestamp:      ts,
		Direction:      req.Direction,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrDuplicateConversation) {
			writeError(c, http.StatusConflict, "CONFLICT", "Conversation already has an active workflow", gin.H{"workflow_id": w.ID})
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to submit message", err.Error())
		return
	}
	if attached {
		c.JSON(http.StatusOK, gin.H{"workflow_id": w.ID, "status": w.Status, "attached": true})
		return
	}

	// Processing continues past the request; the caller polls the workflow.
	go h.Engine.Process(context.Background(), w.ID)
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": w.ID, "status": w.Status, "attached": false})
}

// @Summary Workflow details for a conversation
// @Tags workflows
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/workflows/{id} [get]
func (h *Handler) WorkflowByConversation(c *gin.Context) {
	conversationID := c.Param("id")
	w, err := h.Store.GetWorkflowByConversation(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "No workflow for conversation", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load workflow", err.Error())
		return
	}

	ctx := c.Request.Context()
	steps, err := h.Store.ListSteps(ctx, w.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load steps", err.Error())
		return
	}
	attempts, err := h.Store.ListPlanAttempts(ctx, w.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load plan attempts", err.Error())
		return
	}
	escalations, err := h.Store.ListEscalations(ctx, w.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load escalations", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow":      w,
		"steps":         steps,
		"plan_attempts": attempts,
		"escalations":   escalations,
	})
}

func (h *Handler) WorkflowsList(c *gin.Context) {
	status := c.Query("status")
	tenantID := c.Query("tenant_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.Store.ListWorkflows(c.Request.Context(), status, tenantID, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list workflows", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit})
}

// @Summary Pending approval queue, oldest first
// @Tags approvals
// @Produce json
// @Param limit query int false "Max items"
// @Success 200 {object} map[string]any
// @Router /api/approvals [get]
func (h *Handler) ApprovalsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.Store.ListPendingReplies(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list approvals", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type ResolveRequest struct {
	Action  string `json:"action" validate:"required,oneof=approve modify escalate"`
	ActorID string `json:"actor_id" validate:"required"`
	Text    string `json:"text"`
	Reason  string `json:"reason"`
}

// @Summary Resolve a queued reply
// @Description Approve, modify, or escalate a reply awaiting review
// @Tags approvals
// @Accept json
// @Produce json
// @Param id path string true "Pending reply ID"
// @Param request body ResolveRequest true "Resolution"
// @Success 200 {object} models.PendingReply
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/approvals/{id}/resolve [post]
func (h *Handler) ApprovalResolve(c *gin.Context) {
	replyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid reply id", err.Error())
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	resolved, err := h.Approvals.Resolve(c.Request.Context(), replyID, approval.Resolution{
		Action:  approval.Action(req.Action),
		ActorID: req.ActorID,
		Text:    req.Text,
		Reason:  req.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Pending reply not found", nil)
		case errors.Is(err, approval.ErrAlreadyResolved):
			writeError(c, http.StatusConflict, "CONFLICT", "Reply already resolved", nil)
		case errors.Is(err, approval.ErrTextRequired), errors.Is(err, approval.ErrUnknownAction):
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		default:
			writeError(c, http.StatusInternalServerError, "RESOLUTION_ERROR", "Failed to resolve reply", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, resolved)
}

type EscalateRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	ActorID    string `json:"actor_id" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	Severity   string `json:"severity" validate:"omitempty,oneof=low medium high critical"`
}

// @Summary Manually escalate a workflow
// @Tags escalations
// @Accept json
// @Produce json
// @Param request body EscalateRequest true "Escalation"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/escalations [post]
func (h *Handler) EscalationCreate(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	workflowID, err := uuid.Parse(req.WorkflowID)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "workflow_id must be a UUID", err.Error())
		return
	}

	w, err := h.Store.GetWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Workflow not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load workflow", err.Error())
		return
	}

	severity := escalation.SeverityFor(models.EscalationManual)
	if req.Severity != "" {
		severity = models.Severity(req.Severity)
	}
	trigger := escalation.Trigger{
		Category: models.EscalationManual,
		Severity: severity,
		Reason:   req.Reason,
	}
	if err := h.Engine.Escalate(c.Request.Context(), w, trigger, false); err != nil {
		if errors.Is(err, workflow.ErrNotEscalatable) {
			writeError(c, http.StatusConflict, "CONFLICT", "Workflow cannot be escalated in its current state", gin.H{"status": w.Status})
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to escalate", err.Error())
		return
	}

	h.Logger.Info().
		Str("workflow_id", workflowID.String()).
		Str("actor_id", req.ActorID).
		Msg("manual escalation")
	c.JSON(http.StatusOK, gin.H{"workflow_id": workflowID, "status": models.StatusEscalated})
}

type RetryRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// @Summary Retry a failed or escalated workflow
// @Tags workflows
// @Accept json
// @Produce json
// @Param id path string true "Workflow ID"
// @Param request body RetryRequest true "Retry"
// @Success 202 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/workflows/{id}/retry [post]
func (h *Handler) WorkflowRetry(c *gin.Context) {
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid workflow id", err.Error())
		return
	}
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	w, err := h.Engine.Retry(c.Request.Context(), workflowID, req.ActorID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Workflow not found", nil)
		case errors.Is(err, workflow.ErrWorkflowCompleted):
			writeError(c, http.StatusConflict, "CONFLICT", "Workflow already completed", nil)
		case errors.Is(err, workflow.ErrRetryNotAllowed):
			writeError(c, http.StatusConflict, "CONFLICT", "Workflow is not retryable", nil)
		default:
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to retry workflow", err.Error())
		}
		return
	}

	go h.Engine.Process(context.Background(), w.ID)
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": w.ID, "status": w.Status, "retry_count": w.RetryCount})
}

// @Summary Operational metrics for a trailing window
// @Tags metrics
// @Produce json
// @Param hours query int false "Window in hours (default 24)"
// @Success 200 {object} metrics.Summary
// @Router /api/metrics [get]
func (h *Handler) MetricsSummary(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 || hours > 24*30 {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "hours must be between 1 and 720", nil)
		return
	}
	summary, err := h.Metrics.Summarize(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to build metrics", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary Dependency health and breaker states
// @Tags metrics
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/dependencies [get]
func (h *Handler) Dependencies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.Metrics.Dependencies()})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	rid, _ := c.Get(middleware.RequestIDHeader)
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":       code,
			"message":    message,
			"details":    details,
			"request_id": rid,
		},
	})
}
