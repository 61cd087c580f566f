package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peersync/internal/events"
	"peersync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	status   map[string]models.DeliveryStatus
	dlq      map[string]string
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{
		messages: make(map[string]*models.Message),
		status:   make(map[string]models.DeliveryStatus),
		dlq:      make(map[string]string),
	}
	for _, id := range ids {
		s.messages[id] = &models.Message{ID: id, TargetDeviceID: "device-b"}
		s.status[id] = models.DeliveryStatusPending
	}
	return s
}

func (s *fakeStore) BeginAttempt(id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, errors.New("not queued")
	}
	now := time.Now()
	msg.Attempts++
	msg.LastAttemptAt = &now
	return msg.Clone(), nil
}

func (s *fakeStore) MarkSent(id string, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].Attempts = 0
	if delivered {
		s.status[id] = models.DeliveryStatusDelivered
	} else {
		s.status[id] = models.DeliveryStatusSent
	}
	return nil
}

func (s *fakeStore) RecordFailure(id string, _ error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id].Attempts, nil
}

func (s *fakeStore) MoveToDeadLetter(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	s.dlq[id] = reason
	s.status[id] = models.DeliveryStatusFailed
	return nil
}

func (s *fakeStore) snapshot(id string) (models.Message, bool, models.DeliveryStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, false, s.status[id], len(s.dlq)
	}
	return *msg, true, s.status[id], len(s.dlq)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) first(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return events.Event{}, false
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func failingSend(calls *int32) SendFunc {
	return func(context.Context, models.Message) (bool, error) {
		atomic.AddInt32(calls, 1)
		return false, errors.New("peer unreachable")
	}
}

func TestEngine_FirstFailureSchedulesFourSecondRetry(t *testing.T) {
	store := newFakeStore("m1")
	rec := &recorder{}
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, store, rec, nil, quietLogger())
	defer engine.Close()

	var calls int32
	result := engine.Attempt(context.Background(), "m1", failingSend(&calls))

	assert.Equal(t, OutcomeRetryScheduled, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 4*time.Second, result.Delay)
	assert.True(t, engine.Scheduled("m1"))

	ev, ok := rec.first(events.RetryScheduled)
	require.True(t, ok)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, 4*time.Second, ev.Delay)
}

func TestEngine_DelaysNeverExceedCap(t *testing.T) {
	engine := NewEngine(EngineConfig{MaxRetries: 50, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, newFakeStore(), nil, nil, quietLogger())

	assert.Equal(t, 4*time.Second, engine.Delay(1))
	for attempts := 0; attempts < 50; attempts++ {
		assert.LessOrEqual(t, engine.Delay(attempts), 30*time.Second)
	}
}

func TestEngine_RetryCeilingMovesToDeadLetter(t *testing.T) {
	store := newFakeStore("m1")
	rec := &recorder{}

	var calls int32
	var engine *Engine
	engine = NewEngine(EngineConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, store, rec,
		func(deviceID, messageID string) {
			engine.Attempt(context.Background(), messageID, failingSend(&calls))
		}, quietLogger())
	defer engine.Close()

	engine.Attempt(context.Background(), "m1", failingSend(&calls))

	require.Eventually(t, func() bool {
		return rec.count(events.MessageMovedToDLQ) == 1 && rec.count(events.RetryScheduled) == 2
	}, 2*time.Second, 2*time.Millisecond)

	_, queued, status, dlqSize := store.snapshot("m1")
	assert.False(t, queued)
	assert.Equal(t, models.DeliveryStatusFailed, status)
	assert.Equal(t, 1, dlqSize)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, rec.count(events.RetryAttempt))
	assert.Equal(t, 0, engine.PendingRetries())

	ev, _ := rec.first(events.MessageMovedToDLQ)
	assert.Equal(t, "peer unreachable", ev.Reason)
}

func TestEngine_SuccessResetsAttemptsAndCancelsTimer(t *testing.T) {
	store := newFakeStore("m1")
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, store, nil, nil, quietLogger())
	defer engine.Close()

	var calls int32
	engine.Attempt(context.Background(), "m1", failingSend(&calls))
	require.True(t, engine.Scheduled("m1"))

	// A timer is armed, so a direct attempt is refused until it fires.
	result := engine.Attempt(context.Background(), "m1", failingSend(&calls))
	assert.Equal(t, OutcomeSkipped, result.Outcome)

	require.True(t, engine.Cancel("m1"))
	result = engine.Attempt(context.Background(), "m1", func(context.Context, models.Message) (bool, error) {
		return true, nil
	})
	assert.Equal(t, OutcomeDelivered, result.Outcome)
	assert.Equal(t, 2, result.Attempts)

	msg, _, status, _ := store.snapshot("m1")
	assert.Equal(t, 0, msg.Attempts)
	assert.Equal(t, models.DeliveryStatusDelivered, status)
	assert.False(t, engine.Scheduled("m1"))
}

func TestEngine_CancelledTimerNeverFires(t *testing.T) {
	store := newFakeStore("m1")
	var fired int32
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond}, store, nil,
		func(string, string) { atomic.AddInt32(&fired, 1) }, quietLogger())
	defer engine.Close()

	var calls int32
	engine.Attempt(context.Background(), "m1", failingSend(&calls))
	engine.Cancel("m1")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestEngine_StaleGenerationIgnored(t *testing.T) {
	store := newFakeStore("m1")
	var fired int32
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, store, nil,
		func(string, string) { atomic.AddInt32(&fired, 1) }, quietLogger())
	defer engine.Close()

	require.True(t, engine.schedule("m1", "device-b", time.Hour))
	engine.mu.Lock()
	staleGen := engine.timers["m1"].gen
	engine.mu.Unlock()

	require.True(t, engine.schedule("m1", "device-b", time.Hour))
	engine.fire("m1", staleGen)

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.True(t, engine.Scheduled("m1"))
}

func TestEngine_SentWithoutAcknowledgement(t *testing.T) {
	store := newFakeStore("m1")
	rec := &recorder{}
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second}, store, rec, nil, quietLogger())
	defer engine.Close()

	result := engine.Attempt(context.Background(), "m1", func(context.Context, models.Message) (bool, error) {
		return false, nil
	})

	assert.Equal(t, OutcomeSent, result.Outcome)
	_, _, status, _ := store.snapshot("m1")
	assert.Equal(t, models.DeliveryStatusSent, status)
	assert.Equal(t, 1, rec.count(events.MessageSent))
}

func TestEngine_UnknownMessageSkipped(t *testing.T) {
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second}, newFakeStore(), nil, nil, quietLogger())
	defer engine.Close()

	sent := false
	result := engine.Attempt(context.Background(), "missing", func(context.Context, models.Message) (bool, error) {
		sent = true
		return true, nil
	})

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Error(t, result.Err)
	assert.False(t, sent)
}

func TestEngine_CloseCancelsAllTimers(t *testing.T) {
	store := newFakeStore("m1", "m2")
	var fired int32
	engine := NewEngine(EngineConfig{MaxRetries: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond}, store, nil,
		func(string, string) { atomic.AddInt32(&fired, 1) }, quietLogger())

	var calls int32
	engine.Attempt(context.Background(), "m1", failingSend(&calls))
	engine.Attempt(context.Background(), "m2", failingSend(&calls))
	require.Equal(t, 2, engine.PendingRetries())

	engine.Close()
	assert.Equal(t, 0, engine.PendingRetries())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	result := engine.Attempt(context.Background(), "m1", failingSend(&calls))
	assert.Equal(t, OutcomeSkipped, result.Outcome)
}

func TestEngine_CloseDuringAttemptKeepsCeiling(t *testing.T) {
	store := newFakeStore("m1")
	cfg := EngineConfig{MaxRetries: 2, BaseDelay: time.Hour, MaxDelay: time.Hour}
	engine := NewEngine(cfg, store, nil, nil, quietLogger())

	closing := func(ctx context.Context, msg models.Message) (bool, error) {
		engine.Close()
		return false, errors.New("connection reset")
	}

	// Below the ceiling a closed engine schedules nothing; the attempt stays counted
	result := engine.Attempt(context.Background(), "m1", closing)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	msg, queued, _, _ := store.snapshot("m1")
	require.True(t, queued)
	assert.Equal(t, 1, msg.Attempts)

	// After a restart the next attempt is the last one, and closing while it
	// runs still dead-letters the message
	engine = NewEngine(cfg, store, nil, nil, quietLogger())
	result = engine.Attempt(context.Background(), "m1", closing)
	assert.Equal(t, OutcomeDeadLettered, result.Outcome)
	assert.Equal(t, 2, result.Attempts)

	_, queued, status, dead := store.snapshot("m1")
	assert.False(t, queued)
	assert.Equal(t, models.DeliveryStatusFailed, status)
	assert.Equal(t, 1, dead)
}
