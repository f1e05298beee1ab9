package eventclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, len(l.states))
	for i, s := range l.states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func TestConnector_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, ReconnectDelay: 5 * time.Millisecond, MaxRetries: 2}, nil)
	log := &stateLog{}
	c.OnState(log.record)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run() error = %v, want ErrGaveUp", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if c.State() != GivingUp {
		t.Errorf("State() = %s, want giving_up", c.State())
	}
	want := "connecting,disconnected,connecting,disconnected,connecting,giving_up"
	if got := log.String(); got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
}

func TestConnector_DeliversKnownEventsAndIgnoresUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"clientId\":\"c1\"}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: future:thing\ndata: {}\n\n")
		fmt.Fprint(w, "event: task:deleted\ndata: {\"id\":\"t1\"}\n\n")
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, ReconnectDelay: time.Millisecond, MaxRetries: 0}, nil)

	var got []events.Type
	c.OnEvent(func(ev events.Event) { got = append(got, ev.Type()) })

	// the server closes after one response, so with no retries Run gives up
	if err := c.Run(context.Background()); !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run() error = %v, want ErrGaveUp", err)
	}
	if len(got) != 2 || got[0] != events.TypeConnected || got[1] != events.TypeTaskDeleted {
		t.Errorf("events = %v, want [connected task:deleted]", got)
	}
}

func TestConnector_SuccessResetsRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		// alternate: fail, succeed, fail, succeed ... then fail forever
		if n%2 == 1 || n > 6 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, ReconnectDelay: time.Millisecond, MaxRetries: 2}, nil)
	if err := c.Run(context.Background()); !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run() error = %v, want ErrGaveUp", err)
	}

	// each success resets the counter and the drop after it counts as the
	// first failure, so after the last success (attempt 6) it takes attempts
	// 7 and 8 to exceed the budget
	if got := attempts.Load(); got != 8 {
		t.Errorf("attempts = %d, want 8", got)
	}
}

func TestConnector_StopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, ReconnectDelay: time.Millisecond, MaxRetries: 5, Token: "secret"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.State() != Connected {
		select {
		case <-deadline:
			t.Fatalf("never connected, state = %s", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
}
