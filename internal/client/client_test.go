package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/propertyops/orchestrator/internal/resilience"
)

func testCaller(name string) *resilience.Caller {
	return &resilience.Caller{
		Dependency:     name,
		Breaker:        resilience.NewBreaker(name, 5, time.Minute, zerolog.Nop()),
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: time.Second,
		Logger:         zerolog.Nop(),
	}
}

func TestMonitorTenantContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/monitor/tenant/t-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tenant_id":"t-1","balance_owed":800,"tenant_portion":600,"days_late":21,"reliability_score":0.7,"failed_plans":1,"successful_plans":2,"language":"english"}`))
	}))
	defer srv.Close()

	m := &HTTPMonitor{BaseURL: srv.URL, Caller: testCaller("monitor")}
	tc, err := m.TenantContext(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("tenant context: %v", err)
	}
	if tc.TenantPortion != 600 || tc.DaysLate != 21 {
		t.Fatalf("unexpected tenant context: %+v", tc)
	}
}

func TestMonitorTenantNotFoundIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := &HTTPMonitor{BaseURL: srv.URL, Caller: testCaller("monitor")}
	_, err := m.TenantContext(context.Background(), "missing")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", calls)
	}
	var f *resilience.Failure
	if !errors.As(err, &f) || f.Kind != resilience.Rejected {
		t.Fatalf("expected rejected failure, got %v", err)
	}
}

func TestMonitorRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tenant_id":"t-1"}`))
	}))
	defer srv.Close()

	m := &HTTPMonitor{BaseURL: srv.URL, Caller: testCaller("monitor")}
	if _, err := m.TenantContext(context.Background(), "t-1"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSMSSendReturnsAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sms/send" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message_id":"msg-9","status":"accepted"}`))
	}))
	defer srv.Close()

	s := &HTTPSMS{BaseURL: srv.URL, Caller: testCaller("sms")}
	ack, err := s.Send(context.Background(), "+15550001111", "hello", "conv-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.MessageID != "msg-9" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestSMSHistoryEscapesPhone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "20" {
			t.Fatalf("expected default limit, got %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"messages":[{"direction":"inbound","content":"hi","timestamp":"2026-08-01T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	s := &HTTPSMS{BaseURL: srv.URL, Caller: testCaller("sms")}
	msgs, err := s.History(context.Background(), "+15550001111", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestMonitorConcurrentFirstCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tenant_id":"t-1"}`))
	}))
	defer srv.Close()

	// No configured http.Client: all goroutines read the shared default.
	m := &HTTPMonitor{BaseURL: srv.URL, Caller: testCaller("monitor")}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TenantContext(context.Background(), "t-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent tenant context: %v", err)
	}
}

func TestNotifierReturnsTrackingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tracking_id":"trk-1"}`))
	}))
	defer srv.Close()

	n := &HTTPNotifier{BaseURL: srv.URL, Recipient: "ops@example.com", Caller: testCaller("notify")}
	id, err := n.Notify(context.Background(), "subject", "body", nil)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if id != "trk-1" {
		t.Fatalf("unexpected tracking id %s", id)
	}
}
