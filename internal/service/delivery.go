package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "peersync/internal/errors"
	"peersync/internal/metrics"
	"peersync/internal/models"
	"peersync/internal/privacy"
	"peersync/internal/retry"
	"peersync/internal/tracing"
	"peersync/internal/transport"
	"peersync/internal/validation"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WireMessage is the payload of the message protocol
type WireMessage struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	Content   []byte            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Trace     map[string]string `json:"trace,omitempty"`
}

// WireAck is the reply to a WireMessage. Delivered is set when the receiving
// application accepted the message.
type WireAck struct {
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
}

// goTracked runs fn on a goroutine joined by Close. It reports false once the
// manager is closed.
func (m *SyncManager) goTracked(fn func()) bool {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// requestDrain schedules a background drain of deviceID. Requests arriving
// while a drain runs collapse into one rerun.
func (m *SyncManager) requestDrain(deviceID string) {
	m.drainMu.Lock()
	if m.closed {
		m.drainMu.Unlock()
		return
	}
	if m.draining[deviceID] {
		m.rerun[deviceID] = true
		m.drainMu.Unlock()
		return
	}
	m.draining[deviceID] = true
	m.wg.Add(1)
	m.drainMu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			m.drain(m.ctx, deviceID)

			m.drainMu.Lock()
			if m.rerun[deviceID] && !m.closed {
				delete(m.rerun, deviceID)
				m.drainMu.Unlock()
				continue
			}
			delete(m.rerun, deviceID)
			delete(m.draining, deviceID)
			m.drainMu.Unlock()
			return
		}
	}()
}

func (m *SyncManager) deviceLock(deviceID string) *sync.Mutex {
	lock, _ := m.deviceLocks.LoadOrStore(deviceID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// drain attempts the queue of deviceID in order. It stops at the first
// message that waits on a retry or is already in flight; sent messages wait
// for confirmation and are passed over.
func (m *SyncManager) drain(ctx context.Context, deviceID string) DrainResult {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	result := DrainResult{DeviceID: deviceID}
	defer m.updateDepthGauges()

	for _, msg := range m.store.Queue(deviceID) {
		if ctx.Err() != nil {
			return result
		}
		if st, ok := m.store.Status(msg.ID); ok && st.Status == models.DeliveryStatusSent {
			continue
		}
		if m.engine.Scheduled(msg.ID) || m.engine.InFlight(msg.ID) {
			return result
		}

		res := m.engine.Attempt(ctx, msg.ID, m.send)
		LogDeliveryResult(ctx, m.logger, deviceID, msg.ID, res)
		m.recordAttempt(ctx, deviceID, msg.ID, res)

		switch res.Outcome {
		case retry.OutcomeSent:
			result.Attempted++
			result.Sent++
		case retry.OutcomeDelivered:
			result.Attempted++
			result.Delivered++
		case retry.OutcomeDeadLettered:
			result.Attempted++
			result.DeadLettered++
		case retry.OutcomeRetryScheduled:
			result.Attempted++
			result.Retrying++
			return result
		case retry.OutcomeSkipped:
			// Confirmed or purged since the snapshot was taken.
			if apperrors.Is(res.Err, apperrors.ErrCodeNotFound) {
				continue
			}
			return result
		}
	}
	return result
}

// send transmits one message over the message protocol
func (m *SyncManager) send(ctx context.Context, msg models.Message) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "sync.deliver",
		attribute.String("peersync.device_id", privacy.MaskDeviceID(msg.TargetDeviceID)),
		attribute.String("peersync.message_id", privacy.MaskMessageID(msg.ID)),
		attribute.Int("peersync.attempt", msg.Attempts),
	)
	defer span.End()

	payload, err := json.Marshal(WireMessage{
		ID:        msg.ID,
		From:      m.cfg.DeviceID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UnixMilli(),
		Trace:     tracing.InjectCarrier(ctx),
	})
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode message")
	}

	reply, err := transport.Send(ctx, m.transport, msg.TargetDeviceID, transport.ProtocolMessage, payload)
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, err
	}

	var ack WireAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		err = apperrors.NewTransportError(msg.TargetDeviceID, transport.ProtocolMessage, fmt.Errorf("invalid acknowledgement: %w", err))
		tracing.RecordError(ctx, err)
		return false, err
	}
	if ack.MessageID != msg.ID {
		err := apperrors.NewTransportError(msg.TargetDeviceID, transport.ProtocolMessage, fmt.Errorf("acknowledgement for unexpected message %q", ack.MessageID))
		tracing.RecordError(ctx, err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("peersync.delivered", ack.Delivered))
	span.SetStatus(codes.Ok, "")
	return ack.Delivered, nil
}

// handleMessage serves the message protocol for messages addressed to this device
func (m *SyncManager) handleMessage(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	var wire WireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid message payload")
	}
	if err := validation.ValidateMessageID(wire.ID); err != nil {
		return nil, err
	}

	ctx = tracing.ExtractCarrier(ctx, wire.Trace)
	ctx, span := tracing.StartSpan(ctx, "sync.receive",
		attribute.String("peersync.peer_id", privacy.MaskDeviceID(peerID)),
		attribute.String("peersync.message_id", privacy.MaskMessageID(wire.ID)),
	)
	defer span.End()

	LogInboundMessage(ctx, m.logger, peerID, wire.ID, wire.Content)

	if m.inbox == nil {
		return json.Marshal(WireAck{MessageID: wire.ID})
	}

	msg := models.Message{
		ID:             wire.ID,
		TargetDeviceID: m.cfg.DeviceID,
		Content:        wire.Content,
		Timestamp:      time.UnixMilli(wire.Timestamp).UTC(),
	}
	if err := m.inbox.Receive(ctx, peerID, msg); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return json.Marshal(WireAck{MessageID: wire.ID, Delivered: true})
}

// recordAttempt appends an attempt to the delivery history. History is an
// audit log: failures are logged and never change delivery state.
func (m *SyncManager) recordAttempt(ctx context.Context, deviceID, messageID string, res retry.Result) {
	if m.history == nil || res.Outcome == retry.OutcomeSkipped {
		return
	}

	attempt := &models.DeliveryAttempt{
		MessageID: messageID,
		DeviceID:  deviceID,
		Attempt:   res.Attempts,
		Outcome:   string(res.Outcome),
	}
	if res.Err != nil {
		attempt.Error = res.Err.Error()
	}
	if err := m.history.SaveDeliveryAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		metrics.IncrementCounter("history_write_failures_total", nil, "Failed delivery history writes")
		m.logger.WithError(err).WithFields(idFields(ctx, deviceID, messageID)).Warn("Failed to record delivery attempt")
	}
}

func (m *SyncManager) recordAction(ctx context.Context, deviceID, messageID, action string) {
	if m.history == nil {
		return
	}
	entry := &models.DeadLetterAction{
		MessageID: messageID,
		DeviceID:  deviceID,
		Action:    action,
	}
	if err := m.history.SaveDeadLetterAction(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.WithError(err).WithFields(idFields(ctx, deviceID, messageID)).Warn("Failed to record dead letter action")
	}
}
