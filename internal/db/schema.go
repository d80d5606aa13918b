package db

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error_detail TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	send_message_id TEXT,
	metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS workflows_active_conversation
	ON workflows (conversation_id)
	WHERE status IN ('received', 'processing', 'awaiting_approval');
CREATE INDEX IF NOT EXISTS workflows_conversation_idx ON workflows (conversation_id);
CREATE INDEX IF NOT EXISTS workflows_status_idx ON workflows (status);
CREATE INDEX IF NOT EXISTS workflows_last_activity_idx ON workflows (last_activity);

CREATE TABLE IF NOT EXISTS pending_replies (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	inbound_text TEXT NOT NULL,
	reply_text TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	status TEXT NOT NULL,
	action_taken TEXT,
	edited_text TEXT,
	actor_id TEXT,
	action_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pending_replies_status_idx ON pending_replies (status, created_at);
CREATE INDEX IF NOT EXISTS pending_replies_workflow_idx ON pending_replies (workflow_id);

CREATE TABLE IF NOT EXISTS payment_plan_attempts (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	source TEXT NOT NULL,
	weekly_amount DOUBLE PRECISION NOT NULL,
	duration_weeks INT NOT NULL,
	start_date TIMESTAMPTZ,
	valid BOOLEAN NOT NULL,
	auto_approvable BOOLEAN NOT NULL,
	issue_codes TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payment_plan_attempts_workflow_idx ON payment_plan_attempts (workflow_id);

CREATE TABLE IF NOT EXISTS escalation_events (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	reason TEXT NOT NULL,
	auto_detected BOOLEAN NOT NULL,
	resolved_by TEXT,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS escalation_events_workflow_idx ON escalation_events (workflow_id);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	status TEXT NOT NULL,
	input JSONB,
	output JSONB,
	error_detail TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS workflow_steps_workflow_idx ON workflow_steps (workflow_id, started_at);

CREATE TABLE IF NOT EXISTS approval_audit (
	id UUID PRIMARY KEY,
	pending_reply_id UUID NOT NULL,
	workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	original_text TEXT NOT NULL,
	final_text TEXT,
	reason TEXT,
	actor_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS approval_audit_reply_idx ON approval_audit (pending_reply_id, created_at);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}
