package plan

import (
	"testing"

	"github.com/propertyops/orchestrator/internal/models"
)

func tenantOwing(portion float64) models.TenantContext {
	return models.TenantContext{TenantID: "t-1", TenantPortion: portion}
}

func TestValidateFullCoverageLongPlan(t *testing.T) {
	// 50 x 12 = 600 covers the full portion, but 12 weeks is past the
	// short-plan cutoff and at the long-duration review line.
	v := Validate(Proposal{WeeklyAmount: 50, DurationWeeks: 12}, tenantOwing(600), DefaultRules(), testNow)
	if !v.Valid {
		t.Fatalf("expected valid, got issues %v", v.Issues)
	}
	if v.AutoApprovable {
		t.Fatal("12-week plan must not be auto-approvable")
	}
	if v.Status != models.PlanNeedsReview {
		t.Fatalf("expected needs_review, got %s", v.Status)
	}
}

func TestValidateShortPlanAutoApprovable(t *testing.T) {
	v := Validate(Proposal{WeeklyAmount: 150, DurationWeeks: 4}, tenantOwing(600), DefaultRules(), testNow)
	if !v.Valid || !v.AutoApprovable {
		t.Fatalf("expected valid auto-approvable plan, got %+v", v)
	}
	if v.Status != models.PlanValid {
		t.Fatalf("expected valid status, got %s", v.Status)
	}
}

func TestValidateAmountBelowMinimum(t *testing.T) {
	v := Validate(Proposal{WeeklyAmount: 10, DurationWeeks: 4}, tenantOwing(40), DefaultRules(), testNow)
	if v.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(v.Issues, IssueAmountBelowMin) {
		t.Fatalf("expected %s, got %v", IssueAmountBelowMin, v.Issues)
	}
	if v.Status != models.PlanInvalid {
		t.Fatalf("expected invalid status, got %s", v.Status)
	}
}

func TestValidateInsufficientCoverage(t *testing.T) {
	// 50 x 4 = 200 against 600 owed covers a third.
	v := Validate(Proposal{WeeklyAmount: 50, DurationWeeks: 4}, tenantOwing(600), DefaultRules(), testNow)
	if v.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(v.Issues, IssueInsufficientCoverage) {
		t.Fatalf("expected %s, got %v", IssueInsufficientCoverage, v.Issues)
	}
}

func TestValidateCoverageWithinTolerance(t *testing.T) {
	// 540 of 600 is exactly 90%, inside the tolerance.
	v := Validate(Proposal{WeeklyAmount: 135, DurationWeeks: 4}, tenantOwing(600), DefaultRules(), testNow)
	if hasIssue(v.Issues, IssueInsufficientCoverage) {
		t.Fatalf("90%% coverage must pass, got %v", v.Issues)
	}
}

func TestValidateDurationExceedsMax(t *testing.T) {
	v := Validate(Proposal{WeeklyAmount: 50, DurationWeeks: 20}, tenantOwing(600), DefaultRules(), testNow)
	if !hasIssue(v.Issues, IssueDurationExceedsMax) {
		t.Fatalf("expected %s, got %v", IssueDurationExceedsMax, v.Issues)
	}
}

func TestValidatePoorHistoryNeedsReview(t *testing.T) {
	tenant := tenantOwing(600)
	tenant.FailedPlans = 3
	v := Validate(Proposal{WeeklyAmount: 150, DurationWeeks: 4}, tenant, DefaultRules(), testNow)
	if !v.Valid {
		t.Fatalf("expected valid, got %v", v.Issues)
	}
	if v.AutoApprovable {
		t.Fatal("poor payment history must disable auto-approval")
	}
	if !hasIssue(v.ReviewIssues, IssuePoorPaymentHistory) {
		t.Fatalf("expected %s, got %v", IssuePoorPaymentHistory, v.ReviewIssues)
	}
}

func TestValidateStartDateRules(t *testing.T) {
	past := testNow.AddDate(0, 0, -2)
	v := Validate(Proposal{WeeklyAmount: 150, DurationWeeks: 4, StartDate: &past}, tenantOwing(600), DefaultRules(), testNow)
	if !hasIssue(v.Issues, IssueStartDatePast) {
		t.Fatalf("expected %s, got %v", IssueStartDatePast, v.Issues)
	}

	far := testNow.AddDate(0, 0, 45)
	v = Validate(Proposal{WeeklyAmount: 150, DurationWeeks: 4, StartDate: &far}, tenantOwing(600), DefaultRules(), testNow)
	if !hasIssue(v.Issues, IssueStartDateTooFar) {
		t.Fatalf("expected %s, got %v", IssueStartDateTooFar, v.Issues)
	}
}

func TestValidateDeterministic(t *testing.T) {
	p := Proposal{WeeklyAmount: 50, DurationWeeks: 12}
	a := Validate(p, tenantOwing(600), DefaultRules(), testNow)
	b := Validate(p, tenantOwing(600), DefaultRules(), testNow)
	if a.Valid != b.Valid || a.AutoApprovable != b.AutoApprovable || len(a.AllIssues()) != len(b.AllIssues()) {
		t.Fatalf("validation must be deterministic: %+v vs %+v", a, b)
	}
}

func hasIssue(issues []string, code string) bool {
	for _, c := range issues {
		if c == code {
			return true
		}
	}
	return false
}
