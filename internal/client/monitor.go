package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/resilience"
)

type HTTPMonitor struct {
	BaseURL string
	Client  *http.Client
	Caller  *resilience.Caller
}

func (m *HTTPMonitor) TenantContext(ctx context.Context, tenantID string) (models.TenantContext, error) {
	var out models.TenantContext
	err := m.Caller.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/monitor/tenant/%s", m.BaseURL, tenantID), nil)
		if err != nil {
			return err
		}
		resp, err := httpClient(m.Client).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return resilience.Reject("monitor", fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return resilience.Reject("monitor", fmt.Errorf("monitor rejected request: %s", resp.Status))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("monitor error: %s", resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return models.TenantContext{}, err
	}
	return out, nil
}
