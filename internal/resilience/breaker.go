package resilience

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Breaker is the subset of *gobreaker.CircuitBreaker the caller needs,
// kept as an interface so tests can inject a fake.
type Breaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
	Name() string
	State() gobreaker.State
}

// NewBreaker builds a per-dependency breaker: it opens after threshold
// consecutive failures, stays open for cooldown, then admits exactly one
// trial call.
func NewBreaker(name string, threshold uint32, cooldown time.Duration, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker state change")
		},
	})
}
