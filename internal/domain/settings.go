package domain

import "fmt"

// Settings are the user-tunable execution defaults
type Settings struct {
	ParallelLimit    int              `json:"parallelLimit"`
	MaxBatchSize     int              `json:"maxBatchSize"`
	QueueAutoApprove bool             `json:"queueAutoApprove"`
	StopOnFailure    bool             `json:"stopOnFailure"`
	ConflictBehavior ConflictBehavior `json:"conflictBehavior"`
}

// DefaultSettings mirrors the configuration defaults
func DefaultSettings() Settings {
	return Settings{
		ParallelLimit:    3,
		MaxBatchSize:     3,
		ConflictBehavior: ConflictSkip,
	}
}

// Validate checks the ranges accepted by the scheduler
func (s Settings) Validate() error {
	if s.ParallelLimit < 1 || s.ParallelLimit > 20 {
		return fmt.Errorf("%w: parallelLimit must be between 1 and 20", ErrValidation)
	}
	if s.MaxBatchSize < 1 || s.MaxBatchSize > 20 {
		return fmt.Errorf("%w: maxBatchSize must be between 1 and 20", ErrValidation)
	}
	if s.ConflictBehavior != ConflictSkip && s.ConflictBehavior != ConflictFail {
		return fmt.Errorf("%w: conflictBehavior must be skip or fail", ErrValidation)
	}
	return nil
}
