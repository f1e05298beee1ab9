package events

import (
	"log/slog"
	"sync"
)

// Publisher is the write side of the bus used by producers
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

// Publish calls f(ev)
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Bus fans every published event out to all current subscribers.
//
// Each subscriber owns a FIFO queue drained by its own goroutine, so a slow
// consumer only grows its own queue and never delays publication or other
// subscribers. Publication is serialized, which gives every subscriber the
// same global order. A subscriber whose queue exceeds the backlog limit is
// evicted and its channel closed.
type Bus struct {
	logger  *slog.Logger
	backlog int

	publishMu sync.Mutex

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates a bus. A backlog of 0 means subscriber queues are unbounded.
func NewBus(backlog int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("component", "events"),
		backlog: backlog,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and may be called more than once.
func (b *Bus) Subscribe() (*Subscription, func()) {
	s := &Subscription{
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		close(s.out)
		return s, func() {}
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s, func() { b.remove(s) }
}

// Publish delivers ev to every subscriber registered when the call starts.
// It never blocks on a consumer.
func (b *Bus) Publish(ev Event) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(ev, b.backlog) {
			b.logger.Warn("evicting slow subscriber", "subscriber", s.id, "backlog", b.backlog)
			b.remove(s)
		}
	}
}

// SubscriberCount returns the number of live subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber and rejects further publications
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.close()
}

// Subscription is one consumer of the bus
type Subscription struct {
	id  uint64
	out chan Event

	mu     sync.Mutex
	queue  []Event
	closed bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// ends, either by unsubscribing, eviction or bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(ev Event, backlog int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if backlog > 0 && len(s.queue) >= backlog {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.signal:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
