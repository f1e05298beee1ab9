package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

const sendTimeout = 15 * time.Second

// Bridge turns terminal batch events from the bus into notifications
type Bridge struct {
	notifier Notifier
	logger   *slog.Logger
	ctx      context.Context
}

// NewBridge creates a Bridge sending through n
func NewBridge(n Notifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{notifier: n, logger: logger.With("component", "notify"), ctx: context.Background()}
}

// Run dispatches events from sub until it closes or ctx is done
func (b *Bridge) Run(ctx context.Context, sub *events.Subscription) error {
	b.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			events.Dispatch(ev, b)
		}
	}
}

func (b *Bridge) HandleBatch(e events.BatchEvent) {
	n, ok := batchNotification(e)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()
	if err := b.notifier.Send(ctx, n); err != nil {
		b.logger.Warn("sending notification failed", "batch_id", e.BatchID, "error", err)
	}
}

func batchNotification(e events.BatchEvent) (Notification, bool) {
	n := Notification{BatchID: domain.ShortID(e.BatchID), Link: e.PRURL, Body: e.Message}
	switch e.Kind {
	case events.BatchCompleted:
		n.Title = "Batch completed"
		n.Level = LevelSuccess
	case events.BatchFailed:
		n.Title = "Batch failed"
		n.Level = LevelError
	case events.BatchCancelled:
		n.Title = "Batch cancelled"
		n.Level = LevelWarning
	default:
		return Notification{}, false
	}
	if c := e.Counts; c != nil {
		n.Fields = []Field{
			{"Completed", strconv.Itoa(c.Completed) + "/" + strconv.Itoa(c.Total)},
			{"Failed", strconv.Itoa(c.Failed)},
		}
		if c.Skipped > 0 {
			n.Fields = append(n.Fields, Field{"Skipped", strconv.Itoa(c.Skipped)})
		}
		if c.Cancelled > 0 {
			n.Fields = append(n.Fields, Field{"Cancelled", strconv.Itoa(c.Cancelled)})
		}
	}
	if e.PRURL != "" {
		n.Fields = append(n.Fields, Field{"Pull request", e.PRURL})
	}
	return n, true
}

func (b *Bridge) HandleConnected(events.Connected) {}
func (b *Bridge) HandleTask(events.TaskEvent) {}
func (b *Bridge) HandleLabel(events.LabelEvent) {}
func (b *Bridge) HandleSettings(events.SettingsUpdated) {}
func (b *Bridge) HandleTeam(events.TeamEvent) {}
func (b *Bridge) HandleProject(events.ProjectEvent) {}
func (b *Bridge) HandleProgress(events.ExecutionProgress) {}
func (b *Bridge) HandleLog(events.ExecutionLog) {}
