package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/resilience"
)

type HTTPGenerator struct {
	BaseURL string
	Client  *http.Client
}

type generateRequest struct {
	Tenant   models.TenantContext         `json:"tenant"`
	History  []models.ConversationMessage `json:"history"`
	Message  string                       `json:"message"`
	Language string                       `json:"language"`
}

type generateResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (g HTTPGenerator) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 15 * time.Second}
	}

	payload := generateRequest{
		Tenant:   req.Tenant,
		History:  req.History,
		Message:  req.Message,
		Language: req.Language,
	}
	b, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/generate", bytes.NewBuffer(b))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Reply{}, resilience.Reject("generator", fmt.Errorf("generator rejected request: %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, errors.New("generator service error")
	}

	var r generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Reply{}, err
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return Reply{}, resilience.Reject("generator", fmt.Errorf("confidence out of range: %f", r.Confidence))
	}
	return Reply{Text: r.Text, Confidence: r.Confidence}, nil
}
