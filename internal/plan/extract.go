package plan

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/propertyops/orchestrator/internal/models"
)

type Proposal struct {
	WeeklyAmount  float64
	DurationWeeks int
	StartDate     *time.Time
	Source        models.PlanSource
}

// Generators embed a structured marker in the reply when they recognize a
// plan; that wins over free-text parsing of the inbound message.
var markerPattern = regexp.MustCompile(`(?i)PAYMENT_PLAN:\s*weekly=(\d+(?:\.\d{1,2})?),\s*weeks=(\d+)`)

// Combined amount-and-duration phrasings, tried in order; first match wins.
var combinedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*(?:per|a|each|every)\s+week\s+for\s+(?:the\s+next\s+)?(\d+)\s+weeks?`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s*dollars?\s*(?:per|a|each|every)\s+week\s+for\s+(?:the\s+next\s+)?(\d+)\s+weeks?`),
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*/\s*week\s+for\s+(\d+)\s+weeks?`),
}

var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*(?:per|a|each|every)\s+week`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s*dollars?\s*(?:per|a|each|every)\s+week`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s*bucks?\s*a\s*week`),
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*/\s*(?:week|wk)`),
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s+weekly`),
}

var weekDurationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)for\s+(?:the\s+next\s+)?(\d+)\s+weeks?`),
	regexp.MustCompile(`(?i)(?:next|over)\s+(\d+)\s+weeks?`),
}

var monthDurationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)for\s+(?:the\s+next\s+)?(\d+)\s+months?`),
	regexp.MustCompile(`(?i)(\d+)\s+months?`),
}

const weeksPerMonth = 4

var startDatePattern = regexp.MustCompile(`(?i)(?:starting|beginning|from)\s+(today|tomorrow|next\s+week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)

// Extract parses a payment-plan proposal out of the generated reply's
// structured marker or, failing that, the inbound message text. Amount and
// duration must both be present or the result is nil. Never errors.
func Extract(message, reply string, now time.Time) *Proposal {
	if m := markerPattern.FindStringSubmatch(reply); m != nil {
		amount, _ := strconv.ParseFloat(m[1], 64)
		weeks, _ := strconv.Atoi(m[2])
		p := &Proposal{
			WeeklyAmount:  amount,
			DurationWeeks: weeks,
			StartDate:     extractStartDate(message, now),
			Source:        models.SourceGeneratedReply,
		}
		return p
	}

	for _, re := range combinedPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			amount, _ := strconv.ParseFloat(m[1], 64)
			weeks, _ := strconv.Atoi(m[2])
			return &Proposal{
				WeeklyAmount:  amount,
				DurationWeeks: weeks,
				StartDate:     extractStartDate(message, now),
				Source:        models.SourceInboundText,
			}
		}
	}

	amount, okAmount := extractAmount(message)
	weeks, okWeeks := extractDuration(message)
	if !okAmount || !okWeeks {
		return nil
	}
	return &Proposal{
		WeeklyAmount:  amount,
		DurationWeeks: weeks,
		StartDate:     extractStartDate(message, now),
		Source:        models.SourceInboundText,
	}
}

func extractAmount(message string) (float64, bool) {
	for _, re := range amountPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			amount, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return amount, true
			}
		}
	}
	return 0, false
}

func extractDuration(message string) (int, bool) {
	for _, re := range weekDurationPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			weeks, err := strconv.Atoi(m[1])
			if err == nil {
				return weeks, true
			}
		}
	}
	for _, re := range monthDurationPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			months, err := strconv.Atoi(m[1])
			if err == nil {
				return months * weeksPerMonth, true
			}
		}
	}
	return 0, false
}

func extractStartDate(message string, now time.Time) *time.Time {
	m := startDatePattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	phrase := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))

	day := now
	switch phrase {
	case "today":
	case "tomorrow":
		day = now.AddDate(0, 0, 1)
	case "next week":
		day = now.AddDate(0, 0, 7)
	default:
		target, ok := weekdays[phrase]
		if !ok {
			return nil
		}
		delta := (int(target) - int(now.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		day = now.AddDate(0, 0, delta)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return &start
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}
