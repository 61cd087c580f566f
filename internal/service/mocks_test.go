package service

import (
	"context"
	"sync"

	"peersync/internal/models"

	"github.com/stretchr/testify/mock"
)

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) SaveDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *mockHistory) GetDeliveryHistory(ctx context.Context, messageID string, limit int) ([]models.DeliveryAttempt, error) {
	args := m.Called(ctx, messageID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DeliveryAttempt), args.Error(1)
}

func (m *mockHistory) SaveDeadLetterAction(ctx context.Context, action *models.DeadLetterAction) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *mockHistory) GetDeadLetterActions(ctx context.Context, messageID string) ([]models.DeadLetterAction, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DeadLetterAction), args.Error(1)
}

func (m *mockHistory) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	args := m.Called(ctx, retentionDays)
	return args.Get(0).(int64), args.Error(1)
}

// outcomes returns the outcomes of every recorded attempt for messageID, in call order
func (m *mockHistory) outcomes(messageID string) []string {
	var out []string
	for _, call := range m.Calls {
		if call.Method != "SaveDeliveryAttempt" {
			continue
		}
		attempt := call.Arguments.Get(1).(*models.DeliveryAttempt)
		if attempt.MessageID == messageID {
			out = append(out, attempt.Outcome)
		}
	}
	return out
}

func (m *mockHistory) actions(messageID string) []string {
	var out []string
	for _, call := range m.Calls {
		if call.Method != "SaveDeadLetterAction" {
			continue
		}
		action := call.Arguments.Get(1).(*models.DeadLetterAction)
		if action.MessageID == messageID {
			out = append(out, action.Action)
		}
	}
	return out
}

// permissiveHistory accepts every write
func permissiveHistory() *mockHistory {
	h := &mockHistory{}
	h.On("SaveDeliveryAttempt", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.On("SaveDeadLetterAction", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.On("CleanupOldRecords", mock.Anything, mock.Anything).Return(int64(0), nil).Maybe()
	return h
}

// inboxRecorder collects delivered messages in arrival order
type inboxRecorder struct {
	mu       sync.Mutex
	messages []models.Message
	from     []string
	err      error
}

func (r *inboxRecorder) Receive(ctx context.Context, from string, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	r.from = append(r.from, from)
	return nil
}

func (r *inboxRecorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, msg := range r.messages {
		out = append(out, string(msg.Content))
	}
	return out
}

func (r *inboxRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
