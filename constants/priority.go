package constants

import "strings"

// Priority orders jobs within a user's pending queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the scheduling rank for a priority; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// ParsePriority canonicalizes user input, falling back to medium.
func ParsePriority(input string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(input))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Complexity selects which model tier serves a job's LLM calls.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityRegular Complexity = "regular"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity canonicalizes user input, falling back to regular.
func ParseComplexity(input string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(input))) {
	case ComplexitySimple:
		return ComplexitySimple
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexityRegular
	}
}
