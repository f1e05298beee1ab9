package domain

import "time"

// BatchMode selects how a batch admits its runs
type BatchMode string

const (
	BatchParallel BatchMode = "parallel"
	BatchQueue    BatchMode = "queue"
)

// Valid reports whether m is a known batch mode
func (m BatchMode) Valid() bool {
	return m == BatchParallel || m == BatchQueue
}

// ConflictBehavior decides what happens to a member whose branch does not
// merge cleanly into the batch branch
type ConflictBehavior string

const (
	ConflictSkip ConflictBehavior = "skip"
	ConflictFail ConflictBehavior = "fail"
)

// MemberStatus is the state of one task inside a batch
type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberRunning   MemberStatus = "running"
	MemberCompleted MemberStatus = "completed"
	MemberFailed    MemberStatus = "failed"
	MemberSkipped   MemberStatus = "skipped"
	MemberCancelled MemberStatus = "cancelled"
)

// IsTerminal reports whether the member is finished
func (s MemberStatus) IsTerminal() bool {
	switch s {
	case MemberCompleted, MemberFailed, MemberSkipped, MemberCancelled:
		return true
	}
	return false
}

// MemberStatusForRun maps a terminal run status onto a member status
func MemberStatusForRun(s RunStatus) MemberStatus {
	switch s {
	case RunCompleted:
		return MemberCompleted
	case RunCancelled:
		return MemberCancelled
	case RunFailed:
		return MemberFailed
	case RunRunning:
		return MemberRunning
	default:
		return MemberPending
	}
}

// BatchStatus is the aggregate state of a batch. It is always derived from
// the members and never stored.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchMerging   BatchStatus = "merging"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch has finished
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// Batch is a set of tasks scheduled together under one mode
type Batch struct {
	ID               string           `json:"id"`
	Mode             BatchMode        `json:"mode"`
	Concurrency      int              `json:"concurrency,omitempty"`
	AutoApprove      bool             `json:"autoApprove"`
	StopOnFailure    bool             `json:"stopOnFailure"`
	Combine          bool             `json:"combine"`
	ConflictBehavior ConflictBehavior `json:"conflictBehavior,omitempty"`
	Branch           string           `json:"batchBranch,omitempty"`
	PRURL            string           `json:"prUrl,omitempty"`
	IsCompareLink    bool             `json:"isCompareLink,omitempty"`
	Members          []BatchMember    `json:"tasks"`
	CreatedAt        time.Time        `json:"createdAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// BatchMember tracks one task inside a batch
type BatchMember struct {
	TaskID      string       `json:"taskId"`
	Title       string       `json:"title"`
	Status      MemberStatus `json:"status"`
	RunID       string       `json:"runId,omitempty"`
	Branch      string       `json:"branch,omitempty"`
	CommitSHA   string       `json:"commitSha,omitempty"`
	PRURL       string       `json:"prUrl,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// DeriveBatchStatus computes the aggregate status from the member statuses.
// A terminal status is only reached once every member is terminal. Failed
// wins over completed unless the batch was cancelled.
func DeriveBatchStatus(members []BatchMember, cancelled, merging bool) BatchStatus {
	var pending, running int
	started, failed := false, false
	for _, m := range members {
		switch m.Status {
		case MemberPending:
			pending++
			continue
		case MemberRunning:
			running++
		case MemberFailed:
			failed = true
		}
		started = true
	}
	switch {
	case running > 0:
		return BatchRunning
	case pending > 0 && (started || cancelled):
		return BatchRunning
	case pending > 0:
		return BatchPending
	case merging:
		return BatchMerging
	case cancelled:
		return BatchCancelled
	case failed:
		return BatchFailed
	default:
		return BatchCompleted
	}
}

// BatchCounts summarises member statuses for progress reporting
type BatchCounts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Running    int `json:"running"`
	Pending    int `json:"pending"`
	Skipped    int `json:"skipped"`
	Cancelled  int `json:"cancelled"`
	Percentage int `json:"percentage"`
}

// CountMembers tallies member statuses
func CountMembers(members []BatchMember) BatchCounts {
	c := BatchCounts{Total: len(members)}
	for _, m := range members {
		switch m.Status {
		case MemberCompleted:
			c.Completed++
		case MemberFailed:
			c.Failed++
		case MemberRunning:
			c.Running++
		case MemberPending:
			c.Pending++
		case MemberSkipped:
			c.Skipped++
		case MemberCancelled:
			c.Cancelled++
		}
	}
	if c.Total > 0 {
		done := c.Completed + c.Failed + c.Skipped + c.Cancelled
		c.Percentage = done * 100 / c.Total
	}
	return c
}
