package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/resilience"
)

type HTTPSMS struct {
	BaseURL string
	Client  *http.Client
	Caller  *resilience.Caller
}

type conversationResponse struct {
	Messages []models.ConversationMessage `json:"messages"`
}

func (s *HTTPSMS) History(ctx context.Context, phoneNumber string, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var out conversationResponse
	err := s.Caller.Do(ctx, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/conversations/%s?limit=%d", s.BaseURL, url.PathEscape(phoneNumber), limit)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient(s.Client).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Reject("sms", fmt.Errorf("sms agent rejected request: %s", resp.Status))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("sms agent error: %s", resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

type sendRequest struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
}

func (s *HTTPSMS) Send(ctx context.Context, to, body, conversationID string) (SendAck, error) {
	payload, _ := json.Marshal(sendRequest{To: to, Body: body, ConversationID: conversationID})

	var ack SendAck
	err := s.Caller.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/sms/send", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient(s.Client).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Reject("sms", fmt.Errorf("sms agent rejected send: %s", resp.Status))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("sms agent error: %s", resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(&ack)
	})
	if err != nil {
		return SendAck{}, err
	}
	return ack, nil
}
