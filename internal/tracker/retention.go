package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RunPruner deletes terminal runs older than a cutoff
type RunPruner interface {
	DeleteRunsBefore(cutoff time.Time) (int64, error)
}

// ParseSchedule parses a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Retention periodically removes old terminal runs
type Retention struct {
	store  RunPruner
	keep   time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention creates a sweeper running on schedule that keeps runs for keep
func NewRetention(store RunPruner, schedule string, keep time.Duration, logger *slog.Logger) (*Retention, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", keep)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		store:  store,
		keep:   keep,
		cron:   cron.New(),
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
	r.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.Sweep(); err != nil {
			r.logger.Error("retention sweep failed", "error", err)
		}
	}))
	return r, nil
}

// Sweep deletes expired runs now
func (r *Retention) Sweep() (int64, error) {
	cutoff := r.now().Add(-r.keep)
	n, err := r.store.DeleteRunsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.Info("retention sweep", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Next returns the next scheduled sweep
func (r *Retention) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(r.now())
}

// Start runs the schedule in the background
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops the schedule and waits for a running sweep
func (r *Retention) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
