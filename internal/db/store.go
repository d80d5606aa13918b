package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyops/orchestrator/internal/models"
)

// ErrDuplicateActiveWorkflow is returned when a second workflow would be
// created for a conversation that already has an active one.
var ErrDuplicateActiveWorkflow = errors.New("conversation already has an active workflow")

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const workflowColumns = `id, conversation_id, tenant_id, phone_number, kind, status,
	started_at, last_activity, completed_at, error_detail, retry_count, send_message_id, metadata`

func (s *Store) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO workflows (id, conversation_id, tenant_id, phone_number, kind, status,
			started_at, last_activity, retry_count, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, w.ID, w.ConversationID, w.TenantID, w.PhoneNumber, w.Kind, w.Status,
		w.StartedAt, w.LastActivity, w.RetryCount, metadata)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActiveWorkflow
		}
		return err
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func (s *Store) GetWorkflowByConversation(ctx context.Context, conversationID string) (models.Workflow, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE conversation_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, conversationID)
	return scanWorkflow(row)
}

func (s *Store) ActiveWorkflowByConversation(ctx context.Context, conversationID string) (*models.Workflow, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE conversation_id = $1 AND status IN ('received', 'processing', 'awaiting_approval')
		LIMIT 1
	`, conversationID)
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// TransitionWorkflow applies a conditional status update: the row must still
// be in one of the allowed source states, so a stale async result can never
// resurrect a workflow that has already moved on. Returns false when no row
// matched.
func (s *Store) TransitionWorkflow(ctx context.Context, id uuid.UUID, from []models.WorkflowStatus, to models.WorkflowStatus, errDetail *string) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}

	query := `UPDATE workflows SET status = $1, last_activity = NOW(), error_detail = $2`
	if to == models.StatusCompleted || to == models.StatusFailed {
		query += `, completed_at = NOW()`
	} else {
		query += `, completed_at = NULL`
	}
	query += ` WHERE id = $3 AND status = ANY($4)`

	tag, err := s.Pool.Exec(ctx, query, to, errDetail, id, allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) TouchWorkflow(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `UPDATE workflows SET last_activity = NOW() WHERE id = $1`, id)
	return err
}

func (s *Store) SetSendMarker(ctx context.Context, id uuid.UUID, messageID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE workflows SET send_message_id = $1, last_activity = NOW()
		WHERE id = $2 AND send_message_id IS NULL
	`, messageID, id)
	return err
}

// IncrementRetry reopens a failed or escalated workflow for another
// processing pass, bounded by maxRetries. Returns false when the workflow is
// not retryable (wrong state or retries exhausted).
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE workflows
		SET status = 'processing', retry_count = retry_count + 1,
			error_detail = NULL, completed_at = NULL, last_activity = NOW()
		WHERE id = $1 AND status IN ('failed', 'escalated') AND retry_count < $2
	`, id, maxRetries)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) StalledWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE status IN ('processing', 'awaiting_approval') AND last_activity < $1
		ORDER BY last_activity ASC
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(row pgx.Row) (models.Workflow, error) {
	var (
		w        models.Workflow
		metadata []byte
	)
	if err := row.Scan(&w.ID, &w.ConversationID, &w.TenantID, &w.PhoneNumber, &w.Kind, &w.Status,
		&w.StartedAt, &w.LastActivity, &w.CompletedAt, &w.ErrorDetail, &w.RetryCount, &w.SendMessageID, &metadata); err != nil {
		return models.Workflow{}, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &w.Metadata)
	}
	return w, nil
}

func (s *Store) InsertPendingReply(ctx context.Context, r *models.PendingReply) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO pending_replies (id, workflow_id, inbound_text, reply_text, confidence, status,
			action_taken, edited_text, actor_id, action_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, r.ID, r.WorkflowID, r.InboundText, r.ReplyText, r.Confidence, r.Status,
		r.ActionTaken, r.EditedText, r.ActorID, r.ActionAt, r.CreatedAt)
	return err
}

const replyColumns = `id, workflow_id, inbound_text, reply_text, confidence, status,
	action_taken, edited_text, actor_id, action_at, created_at`

func (s *Store) GetPendingReply(ctx context.Context, id uuid.UUID) (models.PendingReply, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+replyColumns+` FROM pending_replies WHERE id = $1`, id)
	return scanReply(row)
}

func (s *Store) ListPendingReplies(ctx context.Context, limit int) ([]models.PendingReply, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+replyColumns+` FROM pending_replies
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PendingReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimPendingReply is the serialization point for concurrent resolutions:
// only the update that still finds status = 'pending' wins. Returns false on
// a lost race or an already-resolved reply.
func (s *Store) ClaimPendingReply(ctx context.Context, id uuid.UUID, to models.ReplyStatus, action, actorID string, editedText *string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE pending_replies
		SET status = $1, action_taken = $2, actor_id = $3, edited_text = $4, action_at = NOW()
		WHERE id = $5 AND status = 'pending'
	`, to, action, actorID, editedText, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReopenPendingReply compensates a claim whose send failed, so an operator
// can resolve the reply again.
func (s *Store) ReopenPendingReply(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_replies
		SET status = 'pending', action_taken = NULL, actor_id = NULL, edited_text = NULL, action_at = NULL
		WHERE id = $1
	`, id)
	return err
}

func scanReply(row pgx.Row) (models.PendingReply, error) {
	var r models.PendingReply
	err := row.Scan(&r.ID, &r.WorkflowID, &r.InboundText, &r.ReplyText, &r.Confidence, &r.Status,
		&r.ActionTaken, &r.EditedText, &r.ActorID, &r.ActionAt, &r.CreatedAt)
	return r, err
}

func (s *Store) InsertPlanAttempt(ctx context.Context, a *models.PaymentPlanAttempt) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_plan_attempts (id, workflow_id, source, weekly_amount, duration_weeks,
			start_date, valid, auto_approvable, issue_codes, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.WorkflowID, a.Source, a.WeeklyAmount, a.DurationWeeks,
		a.StartDate, a.Valid, a.AutoApprovable, a.IssueCodes, a.Status, a.CreatedAt)
	return err
}

func (s *Store) ListPlanAttempts(ctx context.Context, workflowID uuid.UUID) ([]models.PaymentPlanAttempt, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, workflow_id, source, weekly_amount, duration_weeks, start_date,
			valid, auto_approvable, issue_codes, status, created_at
		FROM payment_plan_attempts
		WHERE workflow_id = $1
		ORDER BY created_at ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentPlanAttempt
	for rows.Next() {
		var a models.PaymentPlanAttempt
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Source, &a.WeeklyAmount, &a.DurationWeeks,
			&a.StartDate, &a.Valid, &a.AutoApprovable, &a.IssueCodes, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertEscalationEvent(ctx context.Context, e *models.EscalationEvent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO escalation_events (id, workflow_id, category, severity, reason,
			auto_detected, resolved_by, resolved_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.WorkflowID, e.Category, e.Severity, e.Reason,
		e.AutoDetected, e.ResolvedBy, e.ResolvedAt, e.CreatedAt)
	return err
}

func (s *Store) OpenEscalationCount(ctx context.Context, workflowID uuid.UUID) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM escalation_events
		WHERE workflow_id = $1 AND resolved_at IS NULL
	`, workflowID).Scan(&count)
	return count, err
}

// ResolveEscalations stamps all of a workflow's open escalation events as
// resolved by the given actor. Reopening a workflow must close its open
// events or the next escalation attempt would be refused.
func (s *Store) ResolveEscalations(ctx context.Context, workflowID uuid.UUID, actorID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE escalation_events
		SET resolved_by = $2, resolved_at = NOW()
		WHERE workflow_id = $1 AND resolved_at IS NULL
	`, workflowID, actorID)
	return err
}

func (s *Store) ListEscalations(ctx context.Context, workflowID uuid.UUID) ([]models.EscalationEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, workflow_id, category, severity, reason, auto_detected, resolved_by, resolved_at, created_at
		FROM escalation_events
		WHERE workflow_id = $1
		ORDER BY created_at ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EscalationEvent
	for rows.Next() {
		var e models.EscalationEvent
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Category, &e.Severity, &e.Reason,
			&e.AutoDetected, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) StartStep(ctx context.Context, step *models.WorkflowStep) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO workflow_steps (id, workflow_id, name, category, status, input, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, step.ID, step.WorkflowID, step.Name, step.Category, step.Status, step.Input, step.StartedAt)
	return err
}

// FinishStep closes a started step. Steps are append-only once completed_at
// is set; the guard keeps a late duplicate finish from rewriting history.
func (s *Store) FinishStep(ctx context.Context, stepID uuid.UUID, status models.StepStatus, output []byte, errDetail *string, duration time.Duration) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE workflow_steps
		SET status = $1, output = $2, error_detail = $3, duration_ms = $4, completed_at = NOW()
		WHERE id = $5 AND completed_at IS NULL
	`, status, output, errDetail, duration.Milliseconds(), stepID)
	return err
}

func (s *Store) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]models.WorkflowStep, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, workflow_id, name, category, status, input, output, error_detail, duration_ms, started_at, completed_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY started_at ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowStep
	for rows.Next() {
		var st models.WorkflowStep
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Category, &st.Status,
			&st.Input, &st.Output, &st.ErrorDetail, &st.DurationMS, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) InsertApprovalAudit(ctx context.Context, a *models.ApprovalAudit) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO approval_audit (id, pending_reply_id, workflow_id, action, original_text,
			final_text, reason, actor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.PendingReplyID, a.WorkflowID, a.Action, a.OriginalText,
		a.FinalText, a.Reason, a.ActorID, a.CreatedAt)
	return err
}

func (s *Store) WorkflowStatusCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	return s.countsBy(ctx, `SELECT status, COUNT(*) FROM workflows WHERE started_at >= $1 GROUP BY status`, since)
}

func (s *Store) ReplyStatusCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	return s.countsBy(ctx, `SELECT status, COUNT(*) FROM pending_replies WHERE created_at >= $1 GROUP BY status`, since)
}

func (s *Store) EscalationCategoryCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	return s.countsBy(ctx, `SELECT category, COUNT(*) FROM escalation_events WHERE created_at >= $1 GROUP BY category`, since)
}

func (s *Store) countsBy(ctx context.Context, query string, since time.Time) (map[string]int, error) {
	rows, err := s.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out[key] = count
	}
	return out, rows.Err()
}

func (s *Store) PendingQueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_replies WHERE status = 'pending'`).Scan(&depth)
	return depth, err
}

func (s *Store) PlanAttemptStats(ctx context.Context, since time.Time) (detected, valid int, err error) {
	err = s.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE valid)
		FROM payment_plan_attempts
		WHERE created_at >= $1
	`, since).Scan(&detected, &valid)
	return detected, valid, err
}

// buildWorkflowFilter is shared by the operator listing endpoints.
func buildWorkflowFilter(status, tenantID string) (string, []any) {
	var (
		wheres []string
		args   []any
	)
	if status != "" {
		args = append(args, status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	if tenantID != "" {
		args = append(args, tenantID)
		wheres = append(wheres, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	clause := ""
	if len(wheres) > 0 {
		clause = " WHERE " + strings.Join(wheres, " AND ")
	}
	return clause, args
}

func (s *Store) ListWorkflows(ctx context.Context, status, tenantID string, limit int) ([]models.Workflow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	clause, args := buildWorkflowFilter(status, tenantID)
	query := `SELECT ` + workflowColumns + ` FROM workflows` + clause +
		fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
