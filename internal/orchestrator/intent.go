package orchestrator

import (
	"regexp"

	"github.com/pairforge/pairforge/internal/domain"
)

// Intent patterns, checked most-specific first. Anything that matches none
// of them is casual conversation and gets a single iteration.
var (
	refactorPattern   = regexp.MustCompile(`(?i)\b(refactor|restructure|reorganize|clean\s*up|rewrite)\b`)
	fixPattern        = regexp.MustCompile(`(?i)\b(fix|repair|implement|build|add|create|update|patch|make)\b`)
	diagnosticPattern = regexp.MustCompile(`(?i)\b(why|investigate|diagnose|debug|search|find|look|check|analyze|explain|what)\b`)
)

// ClassifyIntent buckets a user message into an intent class.
func ClassifyIntent(message string) domain.IntentClass {
	switch {
	case refactorPattern.MatchString(message):
		return domain.IntentRefactor
	case fixPattern.MatchString(message):
		return domain.IntentFix
	case diagnosticPattern.MatchString(message):
		return domain.IntentDiagnostic
	default:
		return domain.IntentCasual
	}
}

// BudgetFor maps an intent class to an iteration budget, clamped to the hard
// ceiling.
func BudgetFor(intent domain.IntentClass, ceiling int) int {
	var budget int
	switch intent {
	case domain.IntentCasual:
		budget = 1
	case domain.IntentDiagnostic:
		budget = 9
	case domain.IntentFix:
		budget = 10
	case domain.IntentRefactor:
		budget = 15
	default:
		budget = 1
	}
	if ceiling > 0 && budget > ceiling {
		budget = ceiling
	}
	return budget
}
