// Package store holds per-device message queues, the delivery status table
// and the dead letter queue, and mirrors them to disk in batches.
package store

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"peersync/internal/constants"
	apperrors "peersync/internal/errors"
	"peersync/internal/events"
	"peersync/internal/models"
	"peersync/internal/privacy"
	"peersync/internal/security"
	"peersync/internal/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config controls where and how often the store is persisted
type Config struct {
	DataDir        string
	FlushInterval  time.Duration
	FlushThreshold int
}

// Store is the in-memory source of truth for queued messages. Every method
// holds the store lock for one complete transition; disk writes happen
// outside the lock.
type Store struct {
	cfg       Config
	logger    *logrus.Logger
	publisher events.Publisher

	queuePath  string
	statusPath string
	dlqPath    string
	write      func(queueDocument, statusDocument, deadLetterDocument) error

	mu          sync.Mutex
	queues      map[string][]*models.Message
	location    map[string]string
	statuses    map[string]*models.MessageStatusEntry
	deadLetters map[string]*models.DeadLetterEntry
	redriven    map[string]*models.DeadLetterEntry
	dirty       bool
	dirtyCount  int
	version     uint64
	flushing    bool

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a store rooted at cfg.DataDir, creating the directory if needed
func New(cfg Config, publisher events.Publisher, logger *logrus.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = constants.DefaultDataDir
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Duration(constants.DefaultFlushIntervalMs) * time.Millisecond
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = constants.DefaultFlushThreshold
	}
	if logger == nil {
		logger = logrus.New()
	}

	if err := security.ValidateStoragePath(cfg.DataDir); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "invalid data directory")
	}
	if err := os.MkdirAll(cfg.DataDir, constants.DataDirMode); err != nil {
		return nil, apperrors.NewPersistenceError("mkdir", cfg.DataDir, err)
	}

	s := &Store{
		cfg:         cfg,
		logger:      logger,
		publisher:   publisher,
		queues:      make(map[string][]*models.Message),
		location:    make(map[string]string),
		statuses:    make(map[string]*models.MessageStatusEntry),
		deadLetters: make(map[string]*models.DeadLetterEntry),
		redriven:    make(map[string]*models.DeadLetterEntry),
	}

	for name, dst := range map[string]*string{
		constants.QueueSnapshotFile:      &s.queuePath,
		constants.StatusSnapshotFile:     &s.statusPath,
		constants.DeadLetterSnapshotFile: &s.dlqPath,
	} {
		path, err := security.JoinWithinBase(cfg.DataDir, name)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "invalid snapshot path")
		}
		*dst = path
	}
	s.write = s.writeDocuments

	return s, nil
}

// Enqueue appends msg to the queue of deviceID and returns its id. An id is
// generated when msg.ID is empty. When the number of unflushed mutations
// reaches the flush threshold, Enqueue flushes before returning.
func (s *Store) Enqueue(ctx context.Context, deviceID string, msg models.Message) (string, error) {
	if err := validation.ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if err := validation.ValidateMessageID(msg.ID); err != nil {
		return "", err
	}
	if err := validation.ValidatePayloadSize(msg.Content); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	queued := msg.Clone()
	queued.TargetDeviceID = deviceID
	queued.Attempts = 0
	queued.LastAttemptAt = nil
	if queued.Timestamp.IsZero() {
		queued.Timestamp = now
	}

	s.mu.Lock()
	if _, exists := s.statuses[queued.ID]; exists {
		s.mu.Unlock()
		return "", apperrors.NewValidationError("id", queued.ID, "message id already exists")
	}
	s.queues[deviceID] = append(s.queues[deviceID], &queued)
	s.location[queued.ID] = deviceID
	s.statuses[queued.ID] = &models.MessageStatusEntry{
		MessageID: queued.ID,
		DeviceID:  deviceID,
		Status:    models.DeliveryStatusPending,
		Timestamp: now,
	}
	s.markDirtyLocked()
	needFlush := s.dirtyCount >= s.cfg.FlushThreshold
	s.mu.Unlock()

	if needFlush {
		if err := s.Flush(ctx); err != nil {
			// The message is accepted in memory; the timer retries the write.
			s.logger.WithError(err).WithField("threshold", s.cfg.FlushThreshold).Error("Failed to flush at threshold")
		}
	}

	return queued.ID, nil
}

// BeginAttempt moves a queued message in flight: attempts is incremented and
// lastAttemptAt stamped.
func (s *Store) BeginAttempt(messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.queuedLocked(messageID)
	if err != nil {
		return models.Message{}, err
	}

	now := time.Now().UTC()
	msg.Attempts++
	msg.LastAttemptAt = &now

	if st, ok := s.statuses[messageID]; ok {
		st.Attempts = msg.Attempts
		st.TotalAttempts++
		st.Timestamp = now
	}
	s.markDirtyLocked()

	return msg.Clone(), nil
}

// MarkSent records a successful send. Attempts reset to zero. A delivered
// message leaves its queue; a sent one stays until confirmed.
func (s *Store) MarkSent(messageID string, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.queuedLocked(messageID)
	if err != nil {
		return err
	}
	msg.Attempts = 0

	st := s.statusLocked(msg)
	st.Attempts = 0
	st.LastError = ""
	st.Timestamp = time.Now().UTC()
	if delivered {
		st.Status = models.DeliveryStatusDelivered
		s.removeQueuedLocked(messageID)
	} else {
		st.Status = models.DeliveryStatusSent
	}
	s.markDirtyLocked()
	return nil
}

// RecordFailure stores the error of a failed attempt and returns the
// message's attempt count since its last success.
func (s *Store) RecordFailure(messageID string, cause error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.queuedLocked(messageID)
	if err != nil {
		return 0, err
	}

	st := s.statusLocked(msg)
	st.Status = models.DeliveryStatusPending
	st.Attempts = msg.Attempts
	st.Timestamp = time.Now().UTC()
	if cause != nil {
		st.LastError = cause.Error()
	}
	s.markDirtyLocked()

	return msg.Attempts, nil
}

// MoveToDeadLetter removes a message from its queue and records it in the
// dead letter queue with status failed, as one transition.
func (s *Store) MoveToDeadLetter(messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.queuedLocked(messageID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	s.removeQueuedLocked(messageID)
	delete(s.redriven, messageID)
	s.deadLetters[messageID] = &models.DeadLetterEntry{
		Message:  msg.Clone(),
		Reason:   reason,
		MovedAt:  now,
		Attempts: msg.Attempts,
	}

	st := s.statusLocked(msg)
	st.Status = models.DeliveryStatusFailed
	st.Attempts = msg.Attempts
	st.LastError = reason
	st.Timestamp = now
	s.markDirtyLocked()

	s.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(messageID),
		"device_id":  privacy.MaskDeviceID(msg.TargetDeviceID),
		"attempts":   msg.Attempts,
	}).Debug("Message moved to dead letter queue")
	return nil
}

// ConfirmDelivery marks a queued message delivered and removes it from its
// queue. Confirming an already delivered message is a no-op.
func (s *Store) ConfirmDelivery(messageID string) (models.MessageStatusEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[messageID]
	if !ok {
		return models.MessageStatusEntry{}, apperrors.NewNotFoundError("message", messageID)
	}
	switch st.Status {
	case models.DeliveryStatusDelivered:
		return *st, nil
	case models.DeliveryStatusFailed:
		return models.MessageStatusEntry{}, apperrors.NewValidationError("id", messageID, "message is in the dead letter queue")
	}

	if _, queued := s.location[messageID]; !queued {
		return models.MessageStatusEntry{}, apperrors.NewNotFoundError("queued message", messageID)
	}
	s.removeQueuedLocked(messageID)
	st.Status = models.DeliveryStatusDelivered
	st.Attempts = 0
	st.LastError = ""
	st.Timestamp = time.Now().UTC()
	s.markDirtyLocked()

	return *st, nil
}

// RedriveDeadLetter returns a dead-lettered message to the tail of its device
// queue as pending with a fresh attempt budget.
func (s *Store) RedriveDeadLetter(messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deadLetters[messageID]
	if !ok {
		return models.Message{}, apperrors.NewNotFoundError("dead letter", messageID)
	}

	msg := entry.Message.Clone()
	msg.Attempts = 0
	msg.LastAttemptAt = nil

	// The entry stays in the dead letter snapshot as redriven until the
	// queue snapshot holding the message is on disk.
	s.redriven[messageID] = &models.DeadLetterEntry{
		Message:  msg.Clone(),
		Reason:   entry.Reason,
		MovedAt:  entry.MovedAt,
		Attempts: entry.Attempts,
		Redriven: true,
	}
	delete(s.deadLetters, messageID)
	s.queues[msg.TargetDeviceID] = append(s.queues[msg.TargetDeviceID], &msg)
	s.location[messageID] = msg.TargetDeviceID

	st := s.statusLocked(&msg)
	st.Status = models.DeliveryStatusPending
	st.Attempts = 0
	st.LastError = ""
	st.Timestamp = time.Now().UTC()
	s.markDirtyLocked()

	return msg.Clone(), nil
}

// PurgeDeadLetter deletes a dead letter entry together with its status entry
func (s *Store) PurgeDeadLetter(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[messageID]; !ok {
		return apperrors.NewNotFoundError("dead letter", messageID)
	}
	delete(s.deadLetters, messageID)
	delete(s.statuses, messageID)
	s.markDirtyLocked()
	return nil
}

// ResetStaleSent returns queued messages that have been in status sent for
// longer than threshold to pending so they are delivered again.
func (s *Store) ResetStaleSent(threshold time.Duration) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var reset []models.Message
	for _, queue := range s.queues {
		for _, msg := range queue {
			st, ok := s.statuses[msg.ID]
			if !ok || st.Status != models.DeliveryStatusSent || st.Timestamp.After(cutoff) {
				continue
			}
			st.Status = models.DeliveryStatusPending
			st.Timestamp = time.Now().UTC()
			reset = append(reset, msg.Clone())
		}
	}
	if len(reset) > 0 {
		s.markDirtyLocked()
	}
	return reset
}

// Queue returns a copy of the ordered queue for deviceID
func (s *Store) Queue(deviceID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[deviceID]
	out := make([]models.Message, 0, len(queue))
	for _, msg := range queue {
		out = append(out, msg.Clone())
	}
	return out
}

// Devices returns the ids of devices with at least one queued message
func (s *Store) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]string, 0, len(s.queues))
	for id, queue := range s.queues {
		if len(queue) > 0 {
			devices = append(devices, id)
		}
	}
	sort.Strings(devices)
	return devices
}

// Status returns the status entry for messageID
func (s *Store) Status(messageID string) (models.MessageStatusEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[messageID]
	if !ok {
		return models.MessageStatusEntry{}, false
	}
	return *st, true
}

// DeadLetters returns the dead letter queue ordered by the time entries were moved
func (s *Store) DeadLetters() []models.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DeadLetterEntry, 0, len(s.deadLetters))
	for _, entry := range s.deadLetters {
		e := *entry
		e.Message = entry.Message.Clone()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MovedAt.Equal(out[j].MovedAt) {
			return out[i].Message.ID < out[j].Message.ID
		}
		return out[i].MovedAt.Before(out[j].MovedAt)
	})
	return out
}

// Depth returns the number of queued and dead-lettered messages
func (s *Store) Depth() (queued, deadLettered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.location), len(s.deadLetters)
}

// PersistenceState reports the dirty tracking state
func (s *Store) PersistenceState() models.PersistenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.PersistenceState{
		IsDirty:    s.dirty,
		DirtyCount: s.dirtyCount,
		IsFlushing: s.flushing,
	}
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.dirtyCount++
	s.version++
}

func (s *Store) queuedLocked(messageID string) (*models.Message, error) {
	deviceID, ok := s.location[messageID]
	if !ok {
		return nil, apperrors.NewNotFoundError("queued message", messageID)
	}
	for _, msg := range s.queues[deviceID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, apperrors.NewNotFoundError("queued message", messageID)
}

// statusLocked returns the status entry of msg, recreating it if absent
func (s *Store) statusLocked(msg *models.Message) *models.MessageStatusEntry {
	st, ok := s.statuses[msg.ID]
	if !ok {
		st = &models.MessageStatusEntry{
			MessageID: msg.ID,
			DeviceID:  msg.TargetDeviceID,
			Status:    models.DeliveryStatusPending,
			Timestamp: time.Now().UTC(),
		}
		s.statuses[msg.ID] = st
	}
	return st
}

func (s *Store) removeQueuedLocked(messageID string) {
	deviceID, ok := s.location[messageID]
	if !ok {
		return
	}
	delete(s.location, messageID)

	queue := s.queues[deviceID]
	for i, msg := range queue {
		if msg.ID == messageID {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.queues, deviceID)
		return
	}
	s.queues[deviceID] = queue
}
