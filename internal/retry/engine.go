package retry

import (
	"context"
	"sync"
	"time"

	apperrors "peersync/internal/errors"
	"peersync/internal/events"
	"peersync/internal/metrics"
	"peersync/internal/models"

	"github.com/sirupsen/logrus"
)

// AttemptStore is the part of the message store the engine drives. Each
// method is a single atomic transition on the store.
type AttemptStore interface {
	// BeginAttempt increments attempts and stamps lastAttemptAt.
	BeginAttempt(messageID string) (models.Message, error)
	MarkSent(messageID string, delivered bool) error
	// RecordFailure stores the error and returns the message's attempts.
	RecordFailure(messageID string, cause error) (int, error)
	MoveToDeadLetter(messageID, reason string) error
}

// SendFunc transmits a message and reports whether the far end acknowledged it
type SendFunc func(ctx context.Context, msg models.Message) (delivered bool, err error)

// DueFunc is called when a retry timer fires for a message
type DueFunc func(deviceID, messageID string)

// Outcome of a single delivery attempt
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_letter"
	// OutcomeSkipped means no attempt was made: the message is already in
	// flight, waiting on a retry timer, gone, or the engine is closed.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes what Attempt did
type Result struct {
	Outcome  Outcome
	Attempts int
	Delay    time.Duration
	Err      error
}

// EngineConfig controls the retry ceiling and backoff schedule
type EngineConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type retryTimer struct {
	timer    *time.Timer
	gen      uint64
	deviceID string
}

// Engine owns per-message attempt bookkeeping and retry timers
type Engine struct {
	store      AttemptStore
	backoff    *Backoff
	maxRetries int
	publisher  events.Publisher
	onDue      DueFunc
	logger     *logrus.Logger

	mu       sync.Mutex
	timers   map[string]*retryTimer
	inFlight map[string]uint64
	gen      uint64
	closed   bool
}

// NewEngine creates a retry engine. onDue may be nil.
func NewEngine(cfg EngineConfig, store AttemptStore, publisher events.Publisher, onDue DueFunc, logger *logrus.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultBackoffConfig().MaxAttempts
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store: store,
		backoff: NewBackoff(BackoffConfig{
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2.0,
			MaxAttempts:  cfg.MaxRetries,
		}),
		maxRetries: cfg.MaxRetries,
		publisher:  publisher,
		onDue:      onDue,
		logger:     logger,
		timers:     make(map[string]*retryTimer),
		inFlight:   make(map[string]uint64),
	}
}

// SetDueFunc replaces the retry callback. It must be called before any retry is scheduled.
func (e *Engine) SetDueFunc(fn DueFunc) {
	e.mu.Lock()
	e.onDue = fn
	e.mu.Unlock()
}

// Delay returns the backoff that follows the given number of failed attempts
func (e *Engine) Delay(attempts int) time.Duration {
	return e.backoff.GetNextDelay(attempts)
}

// Attempt runs one delivery attempt for messageID through send and applies
// the resulting state transition.
func (e *Engine) Attempt(ctx context.Context, messageID string, send SendFunc) Result {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeSkipped, Err: apperrors.NewClosedError("retry engine")}
	}
	if _, busy := e.inFlight[messageID]; busy {
		e.mu.Unlock()
		return Result{Outcome: OutcomeSkipped}
	}
	if _, waiting := e.timers[messageID]; waiting {
		e.mu.Unlock()
		return Result{Outcome: OutcomeSkipped}
	}
	e.gen++
	token := e.gen
	e.inFlight[messageID] = token
	e.mu.Unlock()

	defer e.release(messageID, token)

	msg, err := e.store.BeginAttempt(messageID)
	if err != nil {
		return Result{Outcome: OutcomeSkipped, Err: err}
	}
	metrics.IncrementCounter(metrics.DeliveryAttempts, nil, "Delivery attempts")

	delivered, sendErr := send(ctx, msg)
	if sendErr == nil {
		return e.succeed(msg, delivered)
	}
	return e.fail(msg, sendErr)
}

func (e *Engine) succeed(msg models.Message, delivered bool) Result {
	e.Cancel(msg.ID)

	if err := e.store.MarkSent(msg.ID, delivered); err != nil {
		return Result{Outcome: OutcomeSkipped, Attempts: msg.Attempts, Err: err}
	}
	metrics.IncrementCounter(metrics.DeliverySuccesses, nil, "Successful deliveries")

	outcome := OutcomeSent
	eventType := events.MessageSent
	if delivered {
		outcome = OutcomeDelivered
		eventType = events.MessageDelivered
	}
	e.publish(events.Event{Type: eventType, MessageID: msg.ID, DeviceID: msg.TargetDeviceID, Attempts: msg.Attempts})

	return Result{Outcome: outcome, Attempts: msg.Attempts}
}

func (e *Engine) fail(msg models.Message, sendErr error) Result {
	attempts, err := e.store.RecordFailure(msg.ID, sendErr)
	if err != nil {
		return Result{Outcome: OutcomeSkipped, Attempts: msg.Attempts, Err: err}
	}

	fields := logrus.Fields{
		"message_id": msg.ID,
		"device_id":  msg.TargetDeviceID,
		"attempts":   attempts,
	}

	if attempts < e.maxRetries {
		delay := e.Delay(attempts)
		if !e.schedule(msg.ID, msg.TargetDeviceID, delay) {
			return Result{Outcome: OutcomeSkipped, Attempts: attempts, Err: sendErr}
		}
		metrics.IncrementCounter(metrics.RetriesScheduled, nil, "Retries scheduled")
		e.logger.WithFields(fields).WithField("delay", delay).WithError(sendErr).Debug("Delivery failed, retry scheduled")
		e.publish(events.Event{
			Type:      events.RetryScheduled,
			MessageID: msg.ID,
			DeviceID:  msg.TargetDeviceID,
			Attempts:  attempts,
			Delay:     delay,
		})
		return Result{Outcome: OutcomeRetryScheduled, Attempts: attempts, Delay: delay, Err: sendErr}
	}

	e.Cancel(msg.ID)
	reason := sendErr.Error()
	if err := e.store.MoveToDeadLetter(msg.ID, reason); err != nil {
		return Result{Outcome: OutcomeSkipped, Attempts: attempts, Err: err}
	}
	metrics.IncrementCounter(metrics.DeadLettered, nil, "Messages moved to the dead letter queue")
	e.logger.WithFields(fields).WithField("reason", reason).Warn("Retries exhausted, message moved to dead letter queue")
	e.publish(events.Event{
		Type:      events.MessageMovedToDLQ,
		MessageID: msg.ID,
		DeviceID:  msg.TargetDeviceID,
		Attempts:  attempts,
		Reason:    reason,
	})
	return Result{Outcome: OutcomeDeadLettered, Attempts: attempts, Err: sendErr}
}

// release clears the in-flight mark if it still belongs to the attempt holding token
func (e *Engine) release(messageID string, token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[messageID] == token {
		delete(e.inFlight, messageID)
	}
}

// schedule arms a retry timer for messageID, replacing any previous one. The
// message leaves in-flight in the same step so an early fire can re-enter Attempt.
func (e *Engine) schedule(messageID, deviceID string, delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if prev, ok := e.timers[messageID]; ok {
		prev.timer.Stop()
	}
	delete(e.inFlight, messageID)

	e.gen++
	gen := e.gen
	e.timers[messageID] = &retryTimer{
		gen:      gen,
		deviceID: deviceID,
		timer:    time.AfterFunc(delay, func() { e.fire(messageID, gen) }),
	}
	return true
}

// fire runs on the timer goroutine. A fire whose generation no longer
// matches the registered timer belongs to a cancelled retry and is dropped.
func (e *Engine) fire(messageID string, gen uint64) {
	e.mu.Lock()
	entry, ok := e.timers[messageID]
	if e.closed || !ok || entry.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.timers, messageID)
	onDue := e.onDue
	e.mu.Unlock()

	e.publish(events.Event{Type: events.RetryAttempt, MessageID: messageID, DeviceID: entry.deviceID})
	if onDue != nil {
		onDue(entry.deviceID, messageID)
	}
}

// Cancel stops any pending retry for messageID. It reports whether one was pending.
func (e *Engine) Cancel(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.timers[messageID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(e.timers, messageID)
	return true
}

// Scheduled reports whether messageID is waiting on a retry timer
func (e *Engine) Scheduled(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[messageID]
	return ok
}

// InFlight reports whether an attempt for messageID is running
func (e *Engine) InFlight(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[messageID]
	return ok
}

// PendingRetries returns the number of armed retry timers
func (e *Engine) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close cancels every retry timer. Later attempts are skipped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for id, entry := range e.timers {
		entry.timer.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}
