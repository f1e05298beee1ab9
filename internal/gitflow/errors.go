package gitflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Error is a failed git or host operation with its failure category
type Error struct {
	Op     string
	Kind   domain.ErrorCategory
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s (%s): %s: %v", e.Op, e.Kind, e.Output, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Category implements domain.Categorized
func (e *Error) Category() domain.ErrorCategory { return e.Kind }

// Classify maps command output and its error onto the failure taxonomy
func Classify(output string, err error) domain.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CategoryTimeout
	}
	cat := domain.CategorizeMessage(output)
	if cat == domain.CategoryUnknown && err != nil {
		cat = domain.CategorizeMessage(err.Error())
	}
	return cat
}
