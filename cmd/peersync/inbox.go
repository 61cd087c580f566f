package main

import (
	"context"
	"sync"
	"time"

	"peersync/internal/metrics"
	"peersync/internal/models"
)

const defaultInboxCapacity = 1000

// ReceivedMessage is a message accepted from a peer
type ReceivedMessage struct {
	From       string         `json:"from"`
	Message    models.Message `json:"message"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// memoryInbox keeps the most recent received messages so operators can read
// them from the admin API. The oldest entry is dropped once full.
type memoryInbox struct {
	mu       sync.Mutex
	capacity int
	messages []ReceivedMessage
	seen     map[string]struct{}
}

func newMemoryInbox(capacity int) *memoryInbox {
	if capacity <= 0 {
		capacity = defaultInboxCapacity
	}
	return &memoryInbox{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Receive stores msg. Redelivered ids are acknowledged without a second copy.
func (i *memoryInbox) Receive(ctx context.Context, from string, msg models.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, dup := i.seen[msg.ID]; dup {
		metrics.IncrementCounter("inbox_duplicates_total", nil, "Redelivered messages already in the inbox")
		return nil
	}

	if len(i.messages) >= i.capacity {
		delete(i.seen, i.messages[0].Message.ID)
		i.messages = i.messages[1:]
	}
	i.messages = append(i.messages, ReceivedMessage{
		From:       from,
		Message:    msg.Clone(),
		ReceivedAt: time.Now().UTC(),
	})
	i.seen[msg.ID] = struct{}{}

	metrics.IncrementCounter("inbox_received_total", nil, "Messages accepted into the inbox")
	return nil
}

// Messages returns the inbox oldest first
func (i *memoryInbox) Messages() []ReceivedMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]ReceivedMessage, len(i.messages))
	copy(out, i.messages)
	return out
}
