package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/propertyops/orchestrator/internal/resilience"
)

type HTTPNotifier struct {
	BaseURL   string
	Recipient string
	Client    *http.Client
	Caller    *resilience.Caller
}

type notifyRequest struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata"`
}

type notifyResponse struct {
	TrackingID string `json:"tracking_id"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, subject, body string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	payload, _ := json.Marshal(notifyRequest{
		Channel:   "email",
		Recipient: n.Recipient,
		Subject:   subject,
		Body:      body,
		Metadata:  metadata,
	})

	var out notifyResponse
	err := n.Caller.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/notifications/send", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient(n.Client).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Reject("notify", fmt.Errorf("notification rejected: %s", resp.Status))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("notification error: %s", resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", err
	}
	return out.TrackingID, nil
}
