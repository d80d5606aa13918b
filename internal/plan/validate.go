package plan

import (
	"time"

	"github.com/propertyops/orchestrator/internal/models"
)

// Hard issue codes fail validation outright.
const (
	IssueDurationExceedsMax   = "DURATION_EXCEEDS_MAX"
	IssueDurationBelowMin     = "DURATION_BELOW_MIN"
	IssueAmountBelowMin       = "AMOUNT_BELOW_MIN"
	IssueAmountAboveMax       = "AMOUNT_ABOVE_MAX"
	IssueInsufficientCoverage = "INSUFFICIENT_COVERAGE"
	IssueStartDatePast        = "START_DATE_PAST"
	IssueStartDateTooFar      = "START_DATE_TOO_FAR"
)

// Review issue codes keep the plan valid but route it to a human.
const (
	IssueLongDuration       = "LONG_DURATION"
	IssuePoorPaymentHistory = "POOR_PAYMENT_HISTORY"
)

type Rules struct {
	MaxWeeks          int
	MinWeekly         float64
	MaxWeekly         float64
	CoverageTolerance float64
	ShortPlanWeeks    int
	MaxStartDelayDays int
	LongDurationWeeks int
	MaxFailedPlans    int
}

func DefaultRules() Rules {
	return Rules{
		MaxWeeks:          12,
		MinWeekly:         25,
		MaxWeekly:         1000,
		CoverageTolerance: 0.90,
		ShortPlanWeeks:    4,
		MaxStartDelayDays: 30,
		LongDurationWeeks: 10,
		MaxFailedPlans:    2,
	}
}

type Validation struct {
	Valid          bool
	AutoApprovable bool
	Issues         []string
	ReviewIssues   []string
	Status         models.PlanStatus
}

// AllIssues returns hard and review issue codes in detection order, for the
// persisted attempt record.
func (v Validation) AllIssues() []string {
	out := make([]string, 0, len(v.Issues)+len(v.ReviewIssues))
	out = append(out, v.Issues...)
	out = append(out, v.ReviewIssues...)
	return out
}

// Validate checks a proposal against the business rules and the tenant's
// situation. Valid means no hard issues; auto-approvable additionally
// requires no review issues and a short enough duration. The two flags are
// independent: a 12-week plan covering the full balance is valid yet still
// needs a human look.
func Validate(p Proposal, tenant models.TenantContext, rules Rules, now time.Time) Validation {
	var v Validation

	if p.DurationWeeks < 1 {
		v.Issues = append(v.Issues, IssueDurationBelowMin)
	}
	if rules.MaxWeeks > 0 && p.DurationWeeks > rules.MaxWeeks {
		v.Issues = append(v.Issues, IssueDurationExceedsMax)
	}
	if p.WeeklyAmount < rules.MinWeekly {
		v.Issues = append(v.Issues, IssueAmountBelowMin)
	}
	if rules.MaxWeekly > 0 && p.WeeklyAmount > rules.MaxWeekly {
		v.Issues = append(v.Issues, IssueAmountAboveMax)
	}

	total := p.WeeklyAmount * float64(p.DurationWeeks)
	if tenant.TenantPortion > 0 && total < rules.CoverageTolerance*tenant.TenantPortion {
		v.Issues = append(v.Issues, IssueInsufficientCoverage)
	}

	if p.StartDate != nil {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if p.StartDate.Before(today) {
			v.Issues = append(v.Issues, IssueStartDatePast)
		} else if rules.MaxStartDelayDays > 0 && p.StartDate.After(today.AddDate(0, 0, rules.MaxStartDelayDays)) {
			v.Issues = append(v.Issues, IssueStartDateTooFar)
		}
	}

	if rules.LongDurationWeeks > 0 && p.DurationWeeks >= rules.LongDurationWeeks {
		v.ReviewIssues = append(v.ReviewIssues, IssueLongDuration)
	}
	if rules.MaxFailedPlans > 0 && tenant.FailedPlans > rules.MaxFailedPlans {
		v.ReviewIssues = append(v.ReviewIssues, IssuePoorPaymentHistory)
	}

	v.Valid = len(v.Issues) == 0
	v.AutoApprovable = v.Valid && len(v.ReviewIssues) == 0 && p.DurationWeeks <= rules.ShortPlanWeeks

	switch {
	case !v.Valid:
		v.Status = models.PlanInvalid
	case len(v.ReviewIssues) > 0:
		v.Status = models.PlanNeedsReview
	default:
		v.Status = models.PlanValid
	}
	return v
}
