package mcphost

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// DispatcherOption is a function that configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// Handler receives events delivered by the Dispatcher.
type Handler func(Event)

// Dispatcher is a named-channel publish/subscribe bus.
//
// Every subscription owns a mailbox and a goroutine. Publish appends the event to the mailbox
// of every matching subscription, in subscription order, and returns immediately; handlers of
// one subscription run sequentially in publish order, so a slow handler only delays its own
// subscription. The Dispatcher knows nothing about payload schemas.
//
// A Dispatcher must be created with NewDispatcher and released with Close.
type Dispatcher struct {
	logger        *slog.Logger
	slowThreshold time.Duration

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	nextID atomic.Uint64
}

// Subscription is a handle returned by Subscribe. It must be released with Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
	matcher glob.Glob
	handler Handler
	d       *Dispatcher

	mu      sync.Mutex
	queue   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

var defaultSlowHandlerThreshold = 5 * time.Second

// WithDispatcherLogger sets the logger of the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithSlowHandlerThreshold sets how long a handler may run before a warning is logged.
func WithSlowHandlerThreshold(threshold time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.slowThreshold = threshold
	}
}

// NewDispatcher creates a Dispatcher ready to accept subscriptions.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.slowThreshold == 0 {
		d.slowThreshold = defaultSlowHandlerThreshold
	}
	d.logger = d.logger.With(slog.String("component", "dispatcher"))
	return d
}

// Subscribe registers handler for every channel matching pattern. Patterns are globs over
// ':'-separated segments: '*' matches within one segment and '**' across segments, so
// "op:*" matches "op:result" and "server:**" matches "server:capabilities:changed".
//
// Subscribing the same handler twice yields two independent subscriptions.
func (d *Dispatcher) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty channel pattern")
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for pattern %q", pattern)
	}
	matcher, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, fmt.Errorf("failed to compile channel pattern %q: %w", pattern, err)
	}

	sub := &Subscription{
		id:      d.nextID.Add(1),
		pattern: pattern,
		matcher: matcher,
		handler: handler,
		d:       d,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher is closed")
	}
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	go sub.deliver()

	return sub, nil
}

// Unsubscribe releases sub. Events queued for sub but not yet delivered are discarded. It
// reports whether sub was still registered.
func (d *Dispatcher) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	d.mu.Lock()
	idx := slices.Index(d.subs, sub)
	if idx >= 0 {
		d.subs = slices.Delete(d.subs, idx, idx+1)
	}
	d.mu.Unlock()

	if idx < 0 {
		return false
	}
	sub.stop()
	return true
}

// Drain releases sub like Unsubscribe but returns the events queued for it and not yet
// delivered, in publish order, instead of discarding them. An event being handled when Drain
// is called is not returned.
func (d *Dispatcher) Drain(sub *Subscription) []Event {
	if sub == nil {
		return nil
	}

	d.mu.Lock()
	d.subs = slices.DeleteFunc(d.subs, func(s *Subscription) bool { return s == sub })
	d.mu.Unlock()

	return sub.stop()
}

// Publish delivers an event named name to every current subscriber whose pattern matches.
// It never blocks on handlers. Publishing with no subscribers is a no-op. Invalid names and
// publishing after Close are logged and dropped.
func (d *Dispatcher) Publish(name string, payload any) {
	if !ValidChannelName(name) {
		d.logger.Warn("dropping event with invalid channel name", slog.String("channel", name))
		return
	}

	ev := Event{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Debug("dropping event published after close", slog.String("channel", name))
		return
	}

	for _, sub := range d.subs {
		if sub.matcher.Match(name) {
			sub.enqueue(ev)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close releases every subscription and stops accepting events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.closed = true
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Pattern returns the channel pattern of the subscription.
func (s *Subscription) Pattern() string { return s.pattern }

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery and returns the events that were still queued.
func (s *Subscription) stop() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	pending := s.queue
	s.queue = nil
	close(s.done)
	return pending
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			s.handle(ev)
		}
	}
}

func (s *Subscription) handle(ev Event) {
	logger := s.d.logger
	slow := time.AfterFunc(s.d.slowThreshold, func() {
		logger.Warn("slow event handler",
			slog.String("pattern", s.pattern),
			slog.String("channel", ev.Name),
			slog.Duration("threshold", s.d.slowThreshold))
	})
	defer slow.Stop()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				slog.String("pattern", s.pattern),
				slog.String("channel", ev.Name),
				slog.Any("panic", r))
		}
	}()

	s.handler(ev)
}
