// Package fanout delivers every newly detected alert to all live subscribers.
//
// Each subscriber owns a bounded queue. Publish never blocks: a subscriber
// whose queue is full is dropped and must reconnect, while every other
// subscriber still receives the message. Per-subscriber order equals publish
// order as long as Publish is called from a single goroutine (the poller).
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"alertfeed/core"
	"alertfeed/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured.
const DefaultQueueSize = 256

// MessageTypeNewAlert is the type tag of live alert messages.
const MessageTypeNewAlert = "NewAlert"

// ErrHubClosed is returned by Subscribe and Publish after Close.
var ErrHubClosed = errors.New("fan-out hub is closed")

// Message is the wire form of one live alert.
type Message struct {
	Type      string            `json:"type"`
	Data      core.IndexedAlert `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// Delivery is one queued item: the alert and its pre-encoded Message.
type Delivery struct {
	Alert   core.IndexedAlert
	Encoded []byte
}

// Subscriber is one live consumer. The queue channel is never closed;
// consumers select on Done to learn that they were removed.
type Subscriber struct {
	id      string
	queue   chan Delivery
	done    chan struct{}
	once    sync.Once
	dropped bool
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Deliveries returns the subscriber's queue.
func (s *Subscriber) Deliveries() <-chan Delivery { return s.queue }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped reports whether the hub removed the subscriber for falling behind.
// Only meaningful after Done is closed.
func (s *Subscriber) Dropped() bool {
	<-s.done
	return s.dropped
}

func (s *Subscriber) stop(dropped bool) {
	s.once.Do(func() {
		s.dropped = dropped
		close(s.done)
	})
}

// Hub is the concurrency-safe subscriber registry.
type Hub struct {
	mu        sync.RWMutex
	subs      map[*Subscriber]struct{}
	closed    bool
	queueSize int
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewHub creates a hub whose subscribers buffer up to queueSize messages.
func NewHub(queueSize int, logger *zap.SugaredLogger) *Hub {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Subscribe registers a new subscriber. Safe to call during Publish.
func (h *Hub) Subscribe() (*Subscriber, error) {
	s := &Subscriber{
		id:    uuid.NewString(),
		queue: make(chan Delivery, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	h.logger.Debugw("Live subscriber registered", "subscriber", s.id, "total_subscribers", n)
	return s, nil
}

// Unsubscribe removes s. Unknown or already removed subscribers are ignored.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if h.remove(s) {
		s.stop(false)
		h.logger.Debugw("Live subscriber unregistered", "subscriber", s.id)
	}
}

func (h *Hub) remove(s *Subscriber) bool {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		metrics.Subscribers.Set(float64(n))
	}
	return ok
}

// Publish queues a to every current subscriber without blocking. When some
// subscribers had to be dropped the returned error wraps
// core.ErrPartialDelivery; delivery to the others still happened.
func (h *Hub) Publish(a core.IndexedAlert) error {
	encoded, err := json.Marshal(Message{Type: MessageTypeNewAlert, Data: a, Timestamp: h.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", a.ID, err)
	}
	d := Delivery{Alert: a, Encoded: encoded}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	var dropped []string
	for _, s := range snapshot {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.queue <- d:
			metrics.Delivered.Inc()
		default:
			if h.remove(s) {
				s.stop(true)
				metrics.SubscribersDropped.Inc()
				dropped = append(dropped, s.id)
			}
		}
	}

	if len(dropped) > 0 {
		h.logger.Warnw("Dropped live subscribers with full queues", "subscribers", dropped, "alert", a.ID)
		return &core.DeliveryError{Dropped: dropped}
	}
	return nil
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.stop(false)
	}
	metrics.Subscribers.Set(0)
	h.logger.Infow("Fan-out hub stopped", "disconnected", len(subs))
}
