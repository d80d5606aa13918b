package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

func newValidationHandler() *Handler {
	return &Handler{Validator: validator.New(), Logger: zerolog.Nop()}
}

func postJSON(t *testing.T, r *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInboundRejectsMissingFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.POST("/api/orchestrate/inbound", h.Inbound)

	w := postJSON(t, r, "/api/orchestrate/inbound", map[string]any{
		"tenant_id": "t-1",
		"content":   "hello",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestInboundRejectsBadTimestamp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.POST("/api/orchestrate/inbound", h.Inbound)

	w := postJSON(t, r, "/api/orchestrate/inbound", map[string]any{
		"tenant_id":       "t-1",
		"phone_number":    "+15550001111",
		"conversation_id": "conv-1",
		"content":         "hello",
		"timestamp":       "yesterday",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestResolveRejectsInvalidReplyID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.POST("/api/approvals/:id/resolve", h.ApprovalResolve)

	w := postJSON(t, r, "/api/approvals/not-a-uuid/resolve", map[string]any{
		"action":   "approve",
		"actor_id": "op-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestResolveRejectsUnknownAction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.POST("/api/approvals/:id/resolve", h.ApprovalResolve)

	w := postJSON(t, r, "/api/approvals/2b6c7a39-45ab-4f7b-9c55-000000000001/resolve", map[string]any{
		"action":   "delete",
		"actor_id": "op-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEscalationRejectsNonUUIDWorkflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.POST("/api/escalations", h.EscalationCreate)

	w := postJSON(t, r, "/api/escalations", map[string]any{
		"workflow_id": "wf-42",
		"actor_id":    "op-1",
		"reason":      "needs review",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMetricsRejectsBadWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newValidationHandler()
	r := gin.New()
	r.GET("/api/metrics", h.MetricsSummary)

	for _, hours := range []string{"0", "-3", "100000", "abc"} {
		req, _ := http.NewRequest(http.MethodGet, "/api/metrics?hours="+hours, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("hours=%s: expected 400, got %d", hours, w.Code)
		}
	}
}
