package models

import (
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Message is a unit of work destined for one target device. Content is opaque
// and already encrypted by the session layer.
type Message struct {
	ID             string     `json:"id"`
	TargetDeviceID string     `json:"targetDeviceId"`
	Content        []byte     `json:"content"`
	Timestamp      time.Time  `json:"timestamp"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
}

// Clone returns a deep copy so callers never share queue memory with the store.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = append([]byte(nil), m.Content...)
	}
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		out.LastAttemptAt = &t
	}
	return out
}

// MessageStatusEntry is the delivery receipt for a message. It outlives the
// queued message and carries status=failed once the message is dead-lettered.
type MessageStatusEntry struct {
	MessageID     string         `json:"messageId"`
	DeviceID      string         `json:"deviceId"`
	Status        DeliveryStatus `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	Attempts      int            `json:"attempts"`
	TotalAttempts int            `json:"totalAttempts"`
	LastError     string         `json:"lastError,omitempty"`
}

// DeadLetterEntry wraps a message that exhausted its retries. Redriven marks
// an entry kept in the snapshot after the message went back to its queue.
type DeadLetterEntry struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	MovedAt  time.Time `json:"movedAt"`
	Attempts int       `json:"attempts"`
	Redriven bool      `json:"redriven,omitempty"`
}

// PersistenceState describes the dirty tracking of the batched persistence layer.
type PersistenceState struct {
	IsDirty    bool `json:"isDirty"`
	DirtyCount int  `json:"dirtyCount"`
	IsFlushing bool `json:"isFlushing"`
}

// DeliveryAttempt is one row of the delivery history log.
type DeliveryAttempt struct {
	ID          int64     `db:"id" json:"id"`
	MessageID   string    `db:"message_id" json:"messageId"`
	DeviceID    string    `db:"device_id" json:"deviceId"`
	Attempt     int       `db:"attempt" json:"attempt"`
	Outcome     string    `db:"outcome" json:"outcome"`
	Error       string    `db:"error" json:"error,omitempty"`
	AttemptedAt time.Time `db:"attempted_at" json:"attemptedAt"`
}

// Delivery history outcomes
const (
	OutcomeSent       = "sent"
	OutcomeDelivered  = "delivered"
	OutcomeRetry      = "retry_scheduled"
	OutcomeDeadLetter = "dead_letter"
)

// DeadLetterAction records an operator action on a dead-lettered message.
type DeadLetterAction struct {
	ID        int64     `db:"id" json:"id"`
	MessageID string    `db:"message_id" json:"messageId"`
	DeviceID  string    `db:"device_id" json:"deviceId"`
	Action    string    `db:"action" json:"action"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	ActedAt   time.Time `db:"acted_at" json:"actedAt"`
}

// Dead letter actions
const (
	ActionRedrive = "redrive"
	ActionPurge   = "purge"
)
