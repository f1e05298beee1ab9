// Package eventclient consumes the orchestrator's event stream and keeps the
// connection alive with a bounded, fixed-delay reconnect policy.
package eventclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

// State is the connector's connection state
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	GivingUp     State = "giving_up"
)

// ErrGaveUp is returned by Run once the retry budget is exhausted
var ErrGaveUp = errors.New("event stream unreachable, giving up")

// Config configures a Connector
type Config struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	MaxRetries     int
	Client         *http.Client
}

// Connector follows an event stream, reconnecting after drops.
//
// Transitions:
//
//	disconnected -> connecting -> connected -> (drop) -> disconnected -> connecting ...
//	connecting -> (failure) -> disconnected, or giving_up once MaxRetries
//	consecutive attempts have failed.
//
// A successful connect resets the failure counter.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	onEvent func(events.Event)
	onState func(State)

	mu       sync.Mutex
	state    State
	failures int
}

// New creates a connector in the disconnected state
func New(cfg Config, logger *slog.Logger) *Connector {
	if cfg.Client == nil {
		// no overall timeout: the stream is long-lived
		cfg.Client = &http.Client{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		logger: logger.With("component", "eventclient"),
		state:  Disconnected,
	}
}

// OnEvent registers the callback for decoded events. Unknown event types
// are dropped before reaching it.
func (c *Connector) OnEvent(fn func(events.Event)) { c.onEvent = fn }

// OnState registers the callback for state changes
func (c *Connector) OnState(fn func(State)) { c.onState = fn }

// State returns the current state
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps reconnecting until ctx is done or the retry budget
// is spent. It returns ErrGaveUp in the latter case.
func (c *Connector) Run(ctx context.Context) error {
	for {
		c.setState(Connecting)
		err := c.stream(ctx)
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return ctx.Err()
		}

		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()

		if failures > c.cfg.MaxRetries {
			c.logger.Warn("giving up on event stream", "attempts", failures, "error", err)
			c.setState(GivingUp)
			return ErrGaveUp
		}

		c.logger.Info("event stream dropped, reconnecting",
			"error", err, "attempt", failures, "delay", c.cfg.ReconnectDelay)
		c.setState(Disconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Connector) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	c.setState(Connected)

	err = events.ReadFrames(resp.Body, func(f events.Frame) error {
		ev, err := events.Decode(events.Type(f.Event), f.Data)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEventType) {
				c.logger.Debug("ignoring unknown event", "type", f.Event)
				return nil
			}
			c.logger.Warn("dropping malformed event", "type", f.Event, "error", err)
			return nil
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		return nil
	})
	if err == nil {
		err = errors.New("event stream closed by server")
	}
	return err
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(s)
	}
}
