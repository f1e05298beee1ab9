package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type categorizedErr struct{ cat ErrorCategory }

func (e categorizedErr) Error() string           { return "categorized" }
func (e categorizedErr) Category() ErrorCategory { return e.cat }

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"typed", fmt.Errorf("push: %w", categorizedErr{CategoryMergeConflict}), CategoryMergeConflict},
		{"deadline", fmt.Errorf("clone: %w", context.DeadlineExceeded), CategoryTimeout},
		{"auth", errors.New("fatal: Authentication failed for 'https://github.com/acme/app'"), CategoryAuth},
		{"rate limit", errors.New("API rate limit exceeded"), CategoryRateLimit},
		{"rejected", errors.New("! [rejected] main -> main (fetch first)"), CategoryMergeConflict},
		{"other", errors.New("disk full"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
