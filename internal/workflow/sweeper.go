package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically scans persisted workflows for ones stalled past the
// silence threshold and escalates them through the same path as inline
// detection. Pull-based on last_activity so stalls survive process restarts.
type Sweeper struct {
	Engine   *Engine
	Interval time.Duration
	Logger   zerolog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", interval).Msg("timeout sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("timeout sweeper stopped")
			return
		case <-ticker.C:
			escalated, err := s.Sweep(ctx)
			if err != nil {
				s.Logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if escalated > 0 {
				s.Logger.Info().Int("escalated", escalated).Msg("sweep escalated stalled workflows")
			}
		}
	}
}

// Sweep runs one scan and returns how many workflows it escalated. The
// engine's conditional transition makes a rerun over the same rows a no-op,
// so each stall escalates exactly once.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.Engine.Detector.SilenceThreshold)
	stalled, err := s.Engine.Store.StalledWorkflows(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, w := range stalled {
		trigger := s.Engine.Detector.CheckTimeout(w, now)
		if trigger == nil {
			continue
		}
		if err := s.Engine.Escalate(ctx, w, *trigger, true); err != nil {
			if errors.Is(err, ErrNotEscalatable) {
				continue
			}
			s.Logger.Error().Err(err).Str("workflow_id", w.ID.String()).Msg("sweep escalation failed")
			continue
		}
		escalated++
	}
	return escalated, nil
}
