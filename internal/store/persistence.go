package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"peersync/internal/events"
	"peersync/internal/metrics"
	"peersync/internal/models"
	"peersync/internal/snapshot"
	"peersync/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type queueDocument map[string][]models.Message

type statusDocument map[string]models.MessageStatusEntry

type deadLetterDocument map[string]models.DeadLetterEntry

// Flush writes the three snapshots if the store is dirty. A flush requested
// while another is running returns immediately; the next trigger picks up the
// accumulated changes. On failure the store stays dirty.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty || s.flushing {
		s.mu.Unlock()
		return nil
	}
	s.flushing = true
	captured := s.dirtyCount
	version := s.version
	queues, statuses, deadLetters := s.documentsLocked()
	tombstones := make(map[string]*models.DeadLetterEntry, len(s.redriven))
	for id, entry := range s.redriven {
		tombstones[id] = entry
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "store.flush",
		attribute.Int("dirty_count", captured),
		attribute.Int("queued", len(queues)),
	)
	defer span.End()

	start := time.Now()
	if err := s.write(queues, statuses, deadLetters); err != nil {
		metrics.IncrementCounter(metrics.FlushFailures, nil, "Failed snapshot flushes")
		tracing.RecordError(ctx, err)
		s.publish(events.Event{Type: events.PersistenceFlushFailed, Count: captured, Reason: err.Error()})
		return err
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	// Redriven messages written above are durable in the queue snapshot
	for id, entry := range tombstones {
		if s.redriven[id] == entry {
			delete(s.redriven, id)
		}
	}
	if s.version == version {
		s.dirty = false
		s.dirtyCount = 0
	} else {
		// Mutations landed during the write and are not in these snapshots
		s.dirtyCount -= captured
		if s.dirtyCount < 1 {
			s.dirtyCount = 1
		}
	}
	queued, dead := len(s.location), len(s.deadLetters)
	s.mu.Unlock()

	metrics.RecordTimer(metrics.FlushDuration, elapsed, nil, "Snapshot flush duration")
	metrics.SetGauge(metrics.QueueDepth, float64(queued), nil, "Messages waiting in device queues")
	metrics.SetGauge(metrics.DeadLetterDepth, float64(dead), nil, "Messages in the dead letter queue")
	tracing.SetSpanStatus(ctx, codes.Ok, "")

	s.logger.WithFields(logrus.Fields{
		"mutations":   captured,
		"duration_ms": elapsed.Milliseconds(),
	}).Debug("Flushed store snapshots")
	s.publish(events.Event{Type: events.PersistenceFlushed, Count: captured})
	return nil
}

// documentsLocked copies the in-memory state into serializable documents
func (s *Store) documentsLocked() (queueDocument, statusDocument, deadLetterDocument) {
	queues := make(queueDocument, len(s.queues))
	for deviceID, queue := range s.queues {
		msgs := make([]models.Message, 0, len(queue))
		for _, msg := range queue {
			msgs = append(msgs, msg.Clone())
		}
		queues[deviceID] = msgs
	}

	statuses := make(statusDocument, len(s.statuses))
	for id, st := range s.statuses {
		statuses[id] = *st
	}

	deadLetters := make(deadLetterDocument, len(s.deadLetters))
	for id, entry := range s.deadLetters {
		e := *entry
		e.Message = entry.Message.Clone()
		deadLetters[id] = e
	}
	for id, entry := range s.redriven {
		if _, dead := deadLetters[id]; dead {
			continue
		}
		e := *entry
		e.Message = entry.Message.Clone()
		deadLetters[id] = e
	}

	return queues, statuses, deadLetters
}

// writeDocuments writes the dead letter snapshot first and the queue snapshot
// last. A crash between writes can leave a dead-lettered message in both the
// queue and the dead letter queue, and a redriven message only as a redriven
// entry in the dead letter snapshot. Load resolves both.
func (s *Store) writeDocuments(queues queueDocument, statuses statusDocument, deadLetters deadLetterDocument) error {
	if err := snapshot.WriteJSON(s.dlqPath, deadLetters); err != nil {
		return err
	}
	if err := snapshot.WriteJSON(s.statusPath, statuses); err != nil {
		return err
	}
	return snapshot.WriteJSON(s.queuePath, queues)
}

// Load replaces the in-memory state with the snapshots on disk. Missing or
// corrupt snapshots load as empty, and overlaps left by an interrupted flush
// are repaired so every dead-lettered message has status failed.
func (s *Store) Load(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "store.load")
	defer span.End()

	for _, path := range []string{s.queuePath, s.statusPath, s.dlqPath} {
		removed, err := snapshot.RemoveStaleTemp(path)
		if err != nil {
			s.logger.WithError(err).WithField("file_path", path).Warn("Failed to remove interrupted snapshot write")
		} else if removed {
			s.logger.WithField("file_path", path).Warn("Removed interrupted snapshot write")
		}
	}

	queues := queueDocument{}
	statuses := statusDocument{}
	deadLetters := deadLetterDocument{}
	s.readDocument(s.queuePath, &queues)
	s.readDocument(s.statusPath, &statuses)
	s.readDocument(s.dlqPath, &deadLetters)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues = make(map[string][]*models.Message, len(queues))
	s.location = make(map[string]string)
	s.statuses = make(map[string]*models.MessageStatusEntry, len(statuses))
	s.deadLetters = make(map[string]*models.DeadLetterEntry, len(deadLetters))
	s.redriven = make(map[string]*models.DeadLetterEntry)

	var redriven []models.DeadLetterEntry
	for id, entry := range deadLetters {
		e := entry
		if e.Message.ID == "" {
			e.Message.ID = id
		}
		if e.Redriven {
			redriven = append(redriven, e)
			continue
		}
		s.deadLetters[id] = &e
	}

	repaired := 0
	for deviceID, msgs := range queues {
		for i := range msgs {
			msg := msgs[i]
			if msg.ID == "" {
				repaired++
				continue
			}
			if _, dead := s.deadLetters[msg.ID]; dead {
				repaired++
				continue
			}
			if _, dup := s.location[msg.ID]; dup {
				repaired++
				continue
			}
			msg.TargetDeviceID = deviceID
			s.queues[deviceID] = append(s.queues[deviceID], &msg)
			s.location[msg.ID] = deviceID
		}
	}

	for id, st := range statuses {
		entry := st
		s.statuses[id] = &entry
	}
	repaired += s.restoreRedrivenLocked(redriven)
	repaired += s.reconcileStatusesLocked()

	if repaired > 0 {
		s.logger.WithField("repaired", repaired).Warn("Repaired inconsistent snapshot state")
		s.markDirtyLocked()
	} else {
		s.dirty = false
		s.dirtyCount = 0
	}

	s.logger.WithFields(logrus.Fields{
		"devices":      len(s.queues),
		"queued":       len(s.location),
		"statuses":     len(s.statuses),
		"dead_letters": len(s.deadLetters),
	}).Info("Loaded message store")
	return nil
}

// restoreRedrivenLocked appends redriven messages whose queue snapshot was
// never written back to the tail of their device queues.
func (s *Store) restoreRedrivenLocked(entries []models.DeadLetterEntry) int {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Message.ID < entries[j].Message.ID
	})

	restored := 0
	for _, entry := range entries {
		msg := entry.Message
		if _, queued := s.location[msg.ID]; queued {
			continue
		}
		if _, dead := s.deadLetters[msg.ID]; dead {
			continue
		}
		if st, ok := s.statuses[msg.ID]; ok && st.Status == models.DeliveryStatusDelivered {
			continue
		}
		if msg.TargetDeviceID == "" {
			continue
		}
		msg.Attempts = 0
		msg.LastAttemptAt = nil
		s.queues[msg.TargetDeviceID] = append(s.queues[msg.TargetDeviceID], &msg)
		s.location[msg.ID] = msg.TargetDeviceID
		restored++
	}
	return restored
}

// reconcileStatusesLocked restores status failed exactly for dead-lettered
// messages and a status entry for every queued message. Delivered messages
// still present in a queue are dropped from it.
func (s *Store) reconcileStatusesLocked() int {
	repaired := 0
	now := time.Now().UTC()

	for id, entry := range s.deadLetters {
		st, ok := s.statuses[id]
		if !ok {
			st = &models.MessageStatusEntry{MessageID: id, DeviceID: entry.Message.TargetDeviceID}
			s.statuses[id] = st
		}
		if st.Status != models.DeliveryStatusFailed {
			st.Status = models.DeliveryStatusFailed
			st.Attempts = entry.Attempts
			st.LastError = entry.Reason
			st.Timestamp = entry.MovedAt
			repaired++
		}
	}

	for id, deviceID := range s.location {
		st, ok := s.statuses[id]
		if !ok {
			s.statuses[id] = &models.MessageStatusEntry{
				MessageID: id,
				DeviceID:  deviceID,
				Status:    models.DeliveryStatusPending,
				Timestamp: now,
			}
			repaired++
			continue
		}
		switch st.Status {
		case models.DeliveryStatusDelivered:
			s.removeQueuedLocked(id)
			repaired++
		case models.DeliveryStatusFailed:
			st.Status = models.DeliveryStatusPending
			st.Timestamp = now
			repaired++
		}
	}

	// A failed status without its dead letter entry has lost its message
	for id, st := range s.statuses {
		if st.Status != models.DeliveryStatusFailed {
			continue
		}
		if _, ok := s.deadLetters[id]; !ok {
			delete(s.statuses, id)
			repaired++
		}
	}

	return repaired
}

func (s *Store) readDocument(path string, v interface{}) {
	err := snapshot.ReadJSON(path, v)
	switch {
	case err == nil:
	case errors.Is(err, snapshot.ErrNotFound):
		s.logger.WithField("file_path", path).Debug("No snapshot found, starting empty")
	case errors.Is(err, snapshot.ErrCorrupt):
		s.logger.WithError(err).WithField("file_path", path).Warn("Snapshot is corrupt, starting empty")
	default:
		s.logger.WithError(err).WithField("file_path", path).Warn("Failed to read snapshot, starting empty")
	}
}

// Start launches the background flush loop
func (s *Store) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.flushLoop(loopCtx)
}

func (s *Store) flushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	s.logger.WithField("flush_interval", s.cfg.FlushInterval).Debug("Starting store flush loop")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WithError(err).Error("Failed to flush store")
			}
		}
	}
}

// Close stops the flush loop and performs a final flush. A flush already in
// progress when Close is called is allowed to finish first.
func (s *Store) Close(ctx context.Context) error {
	s.loopMu.Lock()
	if s.running {
		s.cancel()
		s.running = false
	}
	s.loopMu.Unlock()
	s.wg.Wait()

	if err := s.waitIdle(ctx); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// waitIdle blocks until no flush is running
func (s *Store) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for s.PersistenceState().IsFlushing {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Store) publish(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}
