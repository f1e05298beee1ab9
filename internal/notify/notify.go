// Package notify delivers desktop and Slack notifications for finished
// batches.
package notify

import (
	"context"
	"errors"
)

// Level is the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Field is a labelled value shown next to the body where the channel
// supports it
type Field struct {
	Label string
	Value string
}

// Notification is one message about a batch
type Notification struct {
	Title   string
	Body    string
	Level   Level
	BatchID string
	// Link points at the combined pull request, if any
	Link   string
	Fields []Field
}

// Notifier delivers notifications to one channel
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Multi fans a notification out to several channels
type Multi []Notifier

// Send delivers n to every channel and joins their errors. A failing
// channel does not stop the others.
func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
