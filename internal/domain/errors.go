package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a task, run or label does not exist
	ErrNotFound = errors.New("not found")
	// ErrValidation marks invalid input
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks a run status regression
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSandboxUnavailable means no run can be attempted at all
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
)

// Categorized is implemented by errors that already know their category
type Categorized interface {
	Category() ErrorCategory
}

// CategorizeError maps an error onto the failure taxonomy
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var c Categorized
	if errors.As(err, &c) {
		if cat := c.Category(); cat != "" {
			return cat
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategorizeMessage(err.Error())
}

// CategorizeMessage classifies raw command or HTTP output
func CategorizeMessage(msg string) ErrorCategory {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "authentication failed", "permission denied", "could not read username",
		"invalid credentials", "bad credentials", "401", "403"):
		return CategoryAuth
	case containsAny(m, "rate limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(m, "merge conflict", "conflict", "non-fast-forward", "fetch first"):
		return CategoryMergeConflict
	case containsAny(m, "timed out", "timeout", "deadline exceeded"):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
