package ai

import (
	"context"

	"github.com/propertyops/orchestrator/internal/models"
)

type Request struct {
	Tenant   models.TenantContext
	History  []models.ConversationMessage
	Message  string
	Language string
}

type Reply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Generator produces a reply and a confidence value in [0,1]. The method
// behind it is a black box; only the result is consumed.
type Generator interface {
	GenerateReply(ctx context.Context, req Request) (Reply, error)
}
