// Package bus is the per-run event fan-out: one topic per run, ordered
// delivery to any number of subscribers, each with its own bounded queue.
// Publishing never blocks — a subscriber that cannot keep up is dropped.
//
// A topic emits exactly one terminal event, after which subscriber channels
// are closed. The topic is then retained for a grace window so that late
// subscribers still receive the terminal event; past the grace, Subscribe
// returns ErrRunNotLive and callers must read the run store instead.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotLive is returned by Subscribe when the run's topic has already
// been reaped (terminal event older than the grace window, or never seen).
var ErrRunNotLive = errors.New("run is not live")

// reapInterval is how often the janitor scans for expired topics.
const reapInterval = time.Second

// tombstoneTTL is how long an expired topic marker survives past the grace
// window. The marker lets Subscribe refuse with ErrRunNotLive instead of
// silently creating a fresh topic for a run that already finished.
const tombstoneTTL = time.Hour

// Subscription is one subscriber's handle on a run topic. Events arrive on
// Events() in publish order; the channel is closed after the terminal event
// or when the subscriber is dropped or unsubscribed.
type Subscription struct {
	id    string
	runID string
	ch    chan Event

	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// RunID returns the run this subscription is attached to.
func (s *Subscription) RunID() string { return s.runID }

// Dropped reports whether the bus evicted this subscriber for falling
// behind. Meaningful once Events() is closed.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// close closes the channel at most once. drop marks a slow-subscriber
// eviction as opposed to a normal end of stream.
func (s *Subscription) close(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.dropped = drop
	close(s.ch)
}

// topic holds one run's subscribers and, once published, its terminal event.
// Past the grace window the terminal payload is released and only the
// expired marker remains until the tombstone TTL elapses.
type topic struct {
	subs       map[string]*Subscription
	terminal   *Event
	terminalAt time.Time
	expired    bool
}

// Bus multiplexes run events to subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic

	queueLen int
	grace    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Bus and starts its topic janitor.
// queueLen is the per-subscriber buffer; grace is how long a terminated
// topic is retained for late subscribers.
func New(queueLen int, grace time.Duration) *Bus {
	b := &Bus{
		topics:   make(map[string]*topic),
		queueLen: queueLen,
		grace:    grace,
		stopCh:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.runJanitor()
	return b
}

// Publish enqueues an event on the run's topic. Never blocks: subscribers
// whose buffers are full are dropped. Events published after the topic's
// terminal event are discarded with a diagnostic.
func (b *Bus) Publish(runID string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[runID] = t
	}

	if t.terminal != nil || t.expired {
		slog.Warn("Event published after terminal, discarding",
			"run_id", runID, "type", event.Type)
		return
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- event:
		default:
			// Full buffer: evict this subscriber only.
			slog.Warn("Dropping slow subscriber",
				"run_id", runID, "subscription_id", id, "queue_len", b.queueLen)
			delete(t.subs, id)
			sub.close(true)
		}
	}

	if event.Terminal() {
		t.terminal = &event
		t.terminalAt = time.Now()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.close(false)
		}
	}
}

// Subscribe attaches a new subscriber to a run's topic. If the terminal
// event was already published within the grace window, the subscriber
// receives it immediately and the channel closes. Past the grace the topic
// is gone and ErrRunNotLive is returned.
func (b *Bus) Subscribe(runID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// First subscriber before any publish — create the topic.
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[runID] = t
	}

	if t.expired {
		return nil, ErrRunNotLive
	}

	sub := &Subscription{
		id:    uuid.New().String(),
		runID: runID,
		ch:    make(chan Event, b.queueLen),
	}

	if t.terminal != nil {
		if time.Since(t.terminalAt) > b.grace {
			return nil, ErrRunNotLive
		}
		// Late subscriber within grace: replay the terminal event, close.
		sub.ch <- *t.terminal
		sub.close(false)
		return sub, nil
	}

	t.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe releases a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if t, ok := b.topics[sub.runID]; ok {
		delete(t.subs, sub.id)
		// A live topic with no subscribers and no published events yet is
		// recreated on the next publish; drop it to avoid leaking topics
		// for runs that never start.
		if t.terminal == nil && len(t.subs) == 0 {
			delete(b.topics, sub.runID)
		}
	}
	b.mu.Unlock()

	sub.close(false)
}

// SubscriberCount returns the number of live subscribers for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close stops the janitor and closes every remaining subscription.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for runID, t := range b.topics {
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.close(false)
		}
		delete(b.topics, runID)
	}
}

// runJanitor reaps topics whose terminal event is older than the grace.
func (b *Bus) runJanitor() {
	defer b.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapExpired()
		}
	}
}

// reapExpired removes terminated topics past the grace window.
func (b *Bus) reapExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for runID, t := range b.topics {
		switch {
		case t.expired && now.Sub(t.terminalAt) > tombstoneTTL:
			delete(b.topics, runID)
		case t.terminal != nil && now.Sub(t.terminalAt) > b.grace:
			t.terminal = nil
			t.expired = true
		}
	}
}
