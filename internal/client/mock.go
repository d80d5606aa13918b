package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/resilience"
)

// In-process stand-ins selected when the corresponding URL is unset, so the
// engine runs end-to-end without live downstream services.

type MockMonitor struct{}

func (MockMonitor) TenantContext(ctx context.Context, tenantID string) (models.TenantContext, error) {
	if tenantID == "" {
		return models.TenantContext{}, resilience.Reject("monitor", ErrTenantNotFound)
	}
	return models.TenantContext{
		TenantID:         tenantID,
		BalanceOwed:      800,
		TenantPortion:    600,
		DaysLate:         21,
		ReliabilityScore: 0.7,
		FailedPlans:      1,
		SuccessfulPlans:  2,
		Language:         "english",
	}, nil
}

type MockSMS struct {
	mu   sync.Mutex
	sent []SendAck
}

func (m *MockSMS) History(ctx context.Context, phoneNumber string, limit int) ([]models.ConversationMessage, error) {
	return []models.ConversationMessage{
		{Direction: "outbound", Content: "Hi, this is a reminder about your balance.", Timestamp: time.Now().Add(-48 * time.Hour)},
	}, nil
}

func (m *MockSMS) Send(ctx context.Context, to, body, conversationID string) (SendAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack := SendAck{MessageID: fmt.Sprintf("mock-msg-%d", len(m.sent)+1), Status: "accepted"}
	m.sent = append(m.sent, ack)
	return ack, nil
}

type MockNotifier struct{}

func (MockNotifier) Notify(ctx context.Context, subject, body string, metadata map[string]any) (string, error) {
	return "mock-tracking-1", nil
}
