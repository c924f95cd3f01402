package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultHeartbeat is the keep-alive interval for live subscribers.
const DefaultHeartbeat = 25 * time.Second

// maxPending bounds a subscriber's undelivered events; a subscriber that falls
// further behind is closed.
const maxPending = 4096

var (
	// ErrHubClosed is returned when subscribing to a destroyed session.
	ErrHubClosed = errors.New("broadcast hub closed")

	// ErrSubscriberLagging is returned by Serve when the subscriber's queue overflowed.
	ErrSubscriberLagging = errors.New("subscriber fell too far behind")
)

// Sink receives serialized events for one subscriber.
type Sink interface {
	Send(ev Event) error
	Heartbeat() error
}

// Hub serializes acceptance into the session's ResultStore with delivery to
// subscribers, so every subscriber sees accepted entries exactly once and in
// accept order.
type Hub struct {
	mu     sync.Mutex
	store  *ResultStore
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub returns a hub publishing entries accepted by store.
func NewHub(store *ResultStore) *Hub {
	return &Hub{store: store, subs: make(map[*Subscription]struct{})}
}

// Accept inserts c into the store and, if it was new, publishes it to every
// live subscriber before returning.
func (h *Hub) Accept(c Candidate) (MediaReference, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return MediaReference{}, false
	}
	ref, ok := h.store.Accept(c)
	if !ok {
		return ref, false
	}
	ev := Event{Type: EventFound, Item: ref}
	for sub := range h.subs {
		if !sub.enqueue(ev) {
			delete(h.subs, sub)
		}
	}
	return ref, true
}

// Subscribe registers sink. The current store contents are queued as replay
// while the hub lock is held, so the first live event follows the replay
// with no gap and no duplicate.
func (h *Hub) Subscribe(sink Sink) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Subscription{
		hub:    h,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, ref := range h.store.All() {
		sub.queue = append(sub.queue, Event{Type: EventFound, Item: ref})
	}
	if len(sub.queue) > 0 {
		sub.signal()
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Results returns the store contents in store order.
func (h *Hub) Results() []MediaReference {
	return h.store.All()
}

// Enrich records a probe outcome on an accepted entry. Enrichment is visible
// through Results and replay; it is not re-broadcast.
func (h *Hub) Enrich(canonicalURL string, playable bool, contentType string) bool {
	return h.store.Enrich(canonicalURL, playable, contentType)
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and rejects further accepts. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.close(nil)
		delete(h.subs, sub)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscription is one listener attached to a Hub.
type Subscription struct {
	hub    *Hub
	sink   Sink
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
	err    error
}

// Serve delivers queued events to the sink until ctx is cancelled, the sink
// fails, Unsubscribe is called or the hub closes. Heartbeats are sent every
// heartbeat interval; a non-positive interval uses DefaultHeartbeat.
func (s *Subscription) Serve(ctx context.Context, heartbeat time.Duration) error {
	defer s.Unsubscribe()
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		if err := s.flush(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			if err := s.closeErr(); err != nil {
				return err
			}
			// Deliver whatever was queued before the close.
			return s.flush()
		case <-s.notify:
		case <-ticker.C:
			if err := s.sink.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// Unsubscribe detaches the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
	s.close(nil)
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) flush() error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			if err := s.sink.Send(ev); err != nil {
				return err
			}
		}
	}
}

// enqueue is called with the hub lock held. It reports false when the
// subscription is gone or overflowed.
func (s *Subscription) enqueue(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= maxPending {
		s.mu.Unlock()
		s.close(ErrSubscriberLagging)
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *Subscription) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
