// Package events fans delivery lifecycle notifications out to subscribers.
//
// Delivery is best-effort: each subscriber owns a bounded buffer and events
// that do not fit are dropped for that subscriber. Publish never blocks.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names a lifecycle event
type Type string

const (
	MessageQueued          Type = "message:queued"
	MessageSent            Type = "message:sent"
	MessageDelivered       Type = "message:delivered"
	MessageMovedToDLQ      Type = "message:moved-to-dlq"
	RetryScheduled         Type = "retry:scheduled"
	RetryAttempt           Type = "retry:attempt"
	NotificationSent       Type = "sync:notification-sent"
	NotificationReceived   Type = "sync:notification-received"
	NotificationFailed     Type = "sync:notification-failed"
	HeartbeatSent          Type = "heartbeat:sent"
	HeartbeatReceived      Type = "heartbeat:received"
	FallbackTriggered      Type = "sync:fallback-triggered"
	PersistenceFlushed     Type = "persistence:flushed"
	PersistenceFlushFailed Type = "persistence:flush-failed"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type          `json:"type"`
	MessageID string        `json:"messageId,omitempty"`
	DeviceID  string        `json:"deviceId,omitempty"`
	PeerID    string        `json:"peerId,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Count     int           `json:"count,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher is implemented by anything that accepts events
type Publisher interface {
	Publish(Event)
}

// Handler receives events for a callback subscription
type Handler func(Event)

type subscription struct {
	ch     chan Event
	closed bool
}

// Bus is an in-process publish/subscribe fan-out
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscription
	nextID     uint64
	bufferSize int
	logger     *logrus.Logger
	closed     bool
	wg         sync.WaitGroup
}

// NewBus creates a bus whose subscribers buffer up to bufferSize events
func NewBus(bufferSize int, logger *logrus.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:       make(map[uint64]*subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Publish stamps and delivers the event to every subscriber with room for it
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.WithFields(logrus.Fields{
				"event_type":    e.Type,
				"subscriber_id": id,
			}).Debug("Subscriber buffer full, dropping event")
		}
	}
}

// SubscribeChannel returns a receive channel and a function that cancels the
// subscription and closes the channel.
func (b *Bus) SubscribeChannel() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscription{ch: ch}
	b.subs[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

// Subscribe invokes fn for each event on a dedicated goroutine. The returned
// function unsubscribes and waits for fn to return from any in-progress call.
func (b *Bus) Subscribe(fn Handler) func() {
	ch, cancel := b.SubscribeChannel()

	done := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		for e := range ch {
			fn(e)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes all subscribers and waits for callback goroutines to drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
