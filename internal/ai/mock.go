package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/propertyops/orchestrator/internal/utils"
)

// MockGenerator is a deterministic stand-in used when no generator URL is
// configured. Replies are derived from a hash of the message so repeated
// runs route identically.
type MockGenerator struct {
	ModelVersion string
}

func (m MockGenerator) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	lower := strings.ToLower(req.Message)
	h := utils.HashStringToUint64(req.Message)

	if strings.Contains(lower, "lawyer") || strings.Contains(lower, "attorney") || strings.Contains(lower, "sue") {
		return Reply{
			Text:       "I understand. Let me connect you with someone from our office who can help directly.",
			Confidence: 0.40,
		}, nil
	}

	if strings.Contains(lower, "week") && (strings.Contains(lower, "$") || strings.Contains(lower, "pay")) {
		weekly := 25 + float64(h%8)*25
		weeks := 4 + int(h/3%9)
		return Reply{
			Text: fmt.Sprintf(
				"Thanks for proposing a plan. PAYMENT_PLAN: weekly=%.2f, weeks=%d. We'll confirm the details shortly.",
				weekly, weeks),
			Confidence: 0.90,
		}, nil
	}

	confidences := []float64{0.92, 0.88, 0.78, 0.70, 0.55}
	confidence := confidences[int(h%uint64(len(confidences)))]
	return Reply{
		Text:       fmt.Sprintf("Thanks for your message. Your current balance is $%.2f. How can we help? (%s)", req.Tenant.TenantPortion, m.ModelVersion),
		Confidence: confidence,
	}, nil
}
