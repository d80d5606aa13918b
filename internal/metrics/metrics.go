package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Recorder aggregates per-dependency call outcomes in memory. It feeds the
// operational summary; durable counts come from the database queries in
// Service, so losing these on restart is acceptable.
type Recorder struct {
	mu    sync.Mutex
	calls map[string]*depStats
}

type depStats struct {
	attempts     int64
	failures     int64
	totalLatency time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{calls: map[string]*depStats{}}
}

// RecordCall satisfies resilience.Observer.
func (r *Recorder) RecordCall(dependency string, ok bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, found := r.calls[dependency]
	if !found {
		stats = &depStats{}
		r.calls[dependency] = stats
	}
	stats.attempts++
	if !ok {
		stats.failures++
	}
	stats.totalLatency += duration
}

type DependencyStats struct {
	Dependency   string  `json:"dependency"`
	Attempts     int64   `json:"attempts"`
	Failures     int64   `json:"failures"`
	FailureRate  float64 `json:"failure_rate"`
	AvgLatencyMS int64   `json:"avg_latency_ms"`
	BreakerState string  `json:"breaker_state"`
}

// StateReporter is satisfied by *gobreaker.CircuitBreaker.
type StateReporter interface {
	Name() string
	State() gobreaker.State
}

// Store is the slice of persistence the summary reads from.
type Store interface {
	WorkflowStatusCounts(ctx context.Context, since time.Time) (map[string]int, error)
	ReplyStatusCounts(ctx context.Context, since time.Time) (map[string]int, error)
	EscalationCategoryCounts(ctx context.Context, since time.Time) (map[string]int, error)
	PendingQueueDepth(ctx context.Context) (int, error)
	PlanAttemptStats(ctx context.Context, since time.Time) (detected, valid int, err error)
}

type Summary struct {
	WindowHours       float64           `json:"window_hours"`
	WorkflowsByStatus map[string]int    `json:"workflows_by_status"`
	RepliesByStatus   map[string]int    `json:"replies_by_status"`
	EscalationsByType map[string]int    `json:"escalations_by_category"`
	PendingQueueDepth int               `json:"pending_queue_depth"`
	AutoSendRate      float64           `json:"auto_send_rate"`
	PlansDetected     int               `json:"plans_detected"`
	PlansValid        int               `json:"plans_valid"`
	Dependencies      []DependencyStats `json:"dependencies"`
}

type Service struct {
	Store    Store
	Recorder *Recorder
	Breakers []StateReporter
}

// Summarize builds the operational snapshot for the trailing window.
func (s *Service) Summarize(ctx context.Context, window time.Duration) (Summary, error) {
	since := time.Now().UTC().Add(-window)

	workflows, err := s.Store.WorkflowStatusCounts(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	replies, err := s.Store.ReplyStatusCounts(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	escalations, err := s.Store.EscalationCategoryCounts(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	depth, err := s.Store.PendingQueueDepth(ctx)
	if err != nil {
		return Summary{}, err
	}
	detected, valid, err := s.Store.PlanAttemptStats(ctx, since)
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		WindowHours:       window.Hours(),
		WorkflowsByStatus: workflows,
		RepliesByStatus:   replies,
		EscalationsByType: escalations,
		PendingQueueDepth: depth,
		AutoSendRate:      autoSendRate(replies),
		PlansDetected:     detected,
		PlansValid:        valid,
		Dependencies:      s.dependencies(),
	}, nil
}

// autoSendRate is the share of routed replies that went out without review.
func autoSendRate(replies map[string]int) float64 {
	total := 0
	for _, n := range replies {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(replies["auto_sent"]) / float64(total)
}

// Dependencies reports per-dependency call stats and breaker states.
func (s *Service) Dependencies() []DependencyStats {
	return s.dependencies()
}

func (s *Service) dependencies() []DependencyStats {
	states := map[string]string{}
	for _, b := range s.Breakers {
		states[b.Name()] = b.State().String()
	}

	s.Recorder.mu.Lock()
	defer s.Recorder.mu.Unlock()

	out := make([]DependencyStats, 0, len(s.Recorder.calls))
	for dep, stats := range s.Recorder.calls {
		d := DependencyStats{
			Dependency:   dep,
			Attempts:     stats.attempts,
			Failures:     stats.failures,
			BreakerState: states[dep],
		}
		if stats.attempts > 0 {
			d.FailureRate = float64(stats.failures) / float64(stats.attempts)
			d.AvgLatencyMS = (stats.totalLatency / time.Duration(stats.attempts)).Milliseconds()
		}
		out = append(out, d)
	}
	// Breakers that have never been called still report their state.
	for _, b := range s.Breakers {
		if _, seen := s.Recorder.calls[b.Name()]; !seen {
			out = append(out, DependencyStats{Dependency: b.Name(), BreakerState: states[b.Name()]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
