package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/propertyops/orchestrator/internal/models"
	"github.com/propertyops/orchestrator/internal/plan"
)

type Trigger struct {
	Category models.EscalationCategory
	Severity models.Severity
	Reason   string
}

// Detector runs four checks in a fixed priority order; the first positive
// match wins, so one evaluation produces at most one trigger.
type Detector struct {
	HostileTerms     []string
	DisputeTerms     []string
	SilenceThreshold time.Duration
}

func DefaultDetector(silenceThreshold time.Duration) *Detector {
	return &Detector{
		HostileTerms: []string{
			"lawyer", "attorney", "lawsuit", "sue you", "suing",
			"legal action", "harassment", "harassing", "cfpb",
			"better business bureau", "my rights",
		},
		DisputeTerms: []string{
			"don't owe", "dont owe", "do not owe", "already paid",
			"not my debt", "dispute", "incorrect balance", "wrong amount",
			"never signed", "identity theft",
		},
		SilenceThreshold: silenceThreshold,
	}
}

var severityByCategory = map[models.EscalationCategory]models.Severity{
	models.EscalationHostileLanguage: models.SeverityHigh,
	models.EscalationDispute:         models.SeverityHigh,
	models.EscalationUnrealistic:     models.SeverityMedium,
	models.EscalationTimeout:         models.SeverityMedium,
	models.EscalationLowConfidence:   models.SeverityMedium,
}

func SeverityFor(category models.EscalationCategory) models.Severity {
	if s, ok := severityByCategory[category]; ok {
		return s
	}
	return models.SeverityMedium
}

func (d *Detector) Evaluate(w models.Workflow, latestMessage string, attempts []models.PaymentPlanAttempt, now time.Time) *Trigger {
	if t := d.checkHostile(latestMessage); t != nil {
		return t
	}
	if t := d.checkDispute(latestMessage); t != nil {
		return t
	}
	if t := d.checkUnrealistic(attempts); t != nil {
		return t
	}
	return d.CheckTimeout(w, now)
}

func (d *Detector) checkHostile(message string) *Trigger {
	if term := matchTerm(message, d.HostileTerms); term != "" {
		return &Trigger{
			Category: models.EscalationHostileLanguage,
			Severity: SeverityFor(models.EscalationHostileLanguage),
			Reason:   fmt.Sprintf("hostile language detected: %q", term),
		}
	}
	return nil
}

func (d *Detector) checkDispute(message string) *Trigger {
	if term := matchTerm(message, d.DisputeTerms); term != "" {
		return &Trigger{
			Category: models.EscalationDispute,
			Severity: SeverityFor(models.EscalationDispute),
			Reason:   fmt.Sprintf("dispute language detected: %q", term),
		}
	}
	return nil
}

// An attempt counts as unrealistic when validation failed on amount or
// duration grounds, not on coverage or dates alone.
func (d *Detector) checkUnrealistic(attempts []models.PaymentPlanAttempt) *Trigger {
	for _, a := range attempts {
		if a.Valid {
			continue
		}
		for _, code := range a.IssueCodes {
			switch code {
			case plan.IssueDurationExceedsMax, plan.IssueDurationBelowMin,
				plan.IssueAmountBelowMin, plan.IssueAmountAboveMax:
				return &Trigger{
					Category: models.EscalationUnrealistic,
					Severity: SeverityFor(models.EscalationUnrealistic),
					Reason:   fmt.Sprintf("proposed plan failed validation: %s", code),
				}
			}
		}
	}
	return nil
}

// CheckTimeout is shared between inline evaluation and the sweeper so the
// two paths cannot diverge.
func (d *Detector) CheckTimeout(w models.Workflow, now time.Time) *Trigger {
	if d.SilenceThreshold <= 0 || !w.Status.Active() {
		return nil
	}
	silence := now.Sub(w.LastActivity)
	if silence <= d.SilenceThreshold {
		return nil
	}
	return &Trigger{
		Category: models.EscalationTimeout,
		Severity: SeverityFor(models.EscalationTimeout),
		Reason:   fmt.Sprintf("no activity for %s (threshold %s)", silence.Round(time.Minute), d.SilenceThreshold),
	}
}

func matchTerm(message string, terms []string) string {
	lower := strings.ToLower(message)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return term
		}
	}
	return ""
}
