package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/propertyops/orchestrator/internal/models"
)

var ErrTenantNotFound = errors.New("tenant not found")

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// httpClient returns the configured client or the shared default. The field
// is never written after construction, so concurrent first calls are safe.
func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient
}

// Monitor looks up tenant context from the collections-monitor service.
type Monitor interface {
	TenantContext(ctx context.Context, tenantID string) (models.TenantContext, error)
}

type SendAck struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SMS reads conversation history and sends outbound messages. Send returns
// an accepted-for-delivery ack, not a delivery confirmation.
type SMS interface {
	History(ctx context.Context, phoneNumber string, limit int) ([]models.ConversationMessage, error)
	Send(ctx context.Context, to, body, conversationID string) (SendAck, error)
}

// Notifier delivers operator notifications. Failures are non-fatal to the
// owning workflow; callers log and continue.
type Notifier interface {
	Notify(ctx context.Context, subject, body string, metadata map[string]any) (string, error)
}
