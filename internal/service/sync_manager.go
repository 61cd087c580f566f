package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"peersync/internal/constants"
	apperrors "peersync/internal/errors"
	"peersync/internal/events"
	"peersync/internal/metrics"
	"peersync/internal/models"
	"peersync/internal/realtime"
	"peersync/internal/retry"
	"peersync/internal/store"
	"peersync/internal/transport"
	"peersync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// HistoryRecorder is the delivery history log. It is optional.
type HistoryRecorder interface {
	HistoryCleaner
	SaveDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	GetDeliveryHistory(ctx context.Context, messageID string, limit int) ([]models.DeliveryAttempt, error)
	SaveDeadLetterAction(ctx context.Context, action *models.DeadLetterAction) error
	GetDeadLetterActions(ctx context.Context, messageID string) ([]models.DeadLetterAction, error)
}

// Inbox receives messages other devices deliver to this one
type Inbox interface {
	Receive(ctx context.Context, from string, msg models.Message) error
}

// InboxFunc adapts a function to Inbox
type InboxFunc func(ctx context.Context, from string, msg models.Message) error

func (f InboxFunc) Receive(ctx context.Context, from string, msg models.Message) error {
	return f(ctx, from, msg)
}

// Options wires a SyncManager
type Options struct {
	Config    models.Config
	Transport transport.Transport
	History   HistoryRecorder
	Inbox     Inbox
	Logger    *logrus.Logger
}

// DrainResult summarizes one pass over a device queue
type DrainResult struct {
	DeviceID     string `json:"deviceId"`
	Attempted    int    `json:"attempted"`
	Sent         int    `json:"sent"`
	Delivered    int    `json:"delivered"`
	Retrying     int    `json:"retrying"`
	DeadLettered int    `json:"deadLettered"`
}

// Stats is a point-in-time view of the delivery subsystem
type Stats struct {
	DeviceID       string                  `json:"deviceId"`
	Queued         int                     `json:"queued"`
	DeadLettered   int                     `json:"deadLettered"`
	PendingRetries int                     `json:"pendingRetries"`
	Realtime       bool                    `json:"realtime"`
	Persistence    models.PersistenceState `json:"persistence"`
	Breakers       []circuitbreaker.Stats  `json:"breakers"`
}

// SyncManager is the public face of the delivery subsystem. It owns the
// store, the retry engine and the realtime notifier and keeps per-device
// delivery in FIFO order.
type SyncManager struct {
	cfg         models.Config
	transport   transport.Transport
	history     HistoryRecorder
	inbox       Inbox
	logger      *logrus.Logger
	sendTimeout time.Duration

	bus       *events.Bus
	store     *store.Store
	engine    *retry.Engine
	notifier  *realtime.Notifier
	monitor   *DeliveryMonitor
	scheduler *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycleMu sync.Mutex
	initialized bool

	drainMu  sync.Mutex
	closed   bool
	draining map[string]bool
	rerun    map[string]bool

	deviceLocks sync.Map
}

// NewSyncManager builds every component from opts.Config. Nothing runs
// until Initialize.
func NewSyncManager(opts Options) (*SyncManager, error) {
	if opts.Transport == nil {
		return nil, apperrors.NewConfigError("transport", "a peer transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	syncCfg := withSyncDefaults(opts.Config.Sync)

	m := &SyncManager{
		cfg:         opts.Config,
		transport:   opts.Transport,
		history:     opts.History,
		inbox:       opts.Inbox,
		logger:      logger,
		sendTimeout: syncCfg.SendTimeout(),
		bus:         events.NewBus(constants.DefaultEventBufferSize, logger),
		draining:    make(map[string]bool),
		rerun:       make(map[string]bool),
	}
	m.cfg.Sync = syncCfg
	m.ctx, m.cancel = context.WithCancel(context.Background())

	st, err := store.New(store.Config{
		DataDir:        syncCfg.DataDir,
		FlushInterval:  syncCfg.FlushInterval(),
		FlushThreshold: syncCfg.FlushThreshold,
	}, m.bus, logger)
	if err != nil {
		return nil, err
	}
	m.store = st

	m.engine = retry.NewEngine(retry.EngineConfig{
		MaxRetries: syncCfg.MaxRetries,
		BaseDelay:  syncCfg.BaseRetryDelay(),
		MaxDelay:   syncCfg.MaxRetryDelay(),
	}, st, m.bus, func(deviceID, _ string) { m.requestDrain(deviceID) }, logger)

	m.notifier = realtime.New(realtime.Config{
		SelfID:            opts.Config.DeviceID,
		Enabled:           syncCfg.RealtimeEnabled(),
		HeartbeatInterval: syncCfg.HeartbeatInterval(),
		FallbackInterval:  syncCfg.SyncFallbackInterval(),
		PushTimeout:       syncCfg.PushTimeout(),
	}, opts.Transport, m.bus, realtime.Hooks{
		Peers:      m.knownPeers,
		HasPending: func(deviceID string) bool { return len(m.store.Queue(deviceID)) > 0 },
		Resync:     m.requestDrain,
		Sweep:      func(ctx context.Context) { m.SyncAll(ctx) },
	}, logger)

	m.monitor = NewDeliveryMonitor(st, syncCfg.DeliveryMonitorInterval(), syncCfg.StaleSentThreshold(), m.requestDrain, logger)
	if opts.History != nil {
		m.scheduler = NewScheduler(opts.History, opts.Config.Database.RetentionDays, constants.CleanupSchedulerIntervalHours, logger)
	}

	opts.Transport.Handle(transport.ProtocolMessage, m.handleMessage)
	return m, nil
}

func withSyncDefaults(c models.SyncConfig) models.SyncConfig {
	if c.DataDir == "" {
		c.DataDir = constants.DefaultDataDir
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = constants.DefaultFlushIntervalMs
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = constants.DefaultFlushThreshold
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = constants.DefaultMaxRetries
	}
	if c.BaseRetryDelayMs <= 0 {
		c.BaseRetryDelayMs = constants.DefaultBaseRetryDelayMs
	}
	if c.MaxRetryDelayMs <= 0 {
		c.MaxRetryDelayMs = constants.DefaultMaxRetryDelayMs
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = constants.DefaultHeartbeatIntervalMs
	}
	if c.SyncFallbackIntervalMs <= 0 {
		c.SyncFallbackIntervalMs = constants.DefaultSyncFallbackIntervalMs
	}
	if c.SendTimeoutMs <= 0 {
		c.SendTimeoutMs = constants.DefaultSendTimeoutMs
	}
	if c.PushTimeoutMs <= 0 {
		c.PushTimeoutMs = constants.DefaultPushTimeoutMs
	}
	if c.StaleSentThresholdSec <= 0 {
		c.StaleSentThresholdSec = constants.DefaultStaleSentThresholdSec
	}
	if c.DeliveryMonitorSec <= 0 {
		c.DeliveryMonitorSec = constants.DefaultDeliveryMonitorSec
	}
	return c
}

// Initialize restores persisted state and starts every background loop
func (m *SyncManager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.initialized {
		return nil
	}
	if err := m.store.Load(ctx); err != nil {
		return err
	}
	m.store.Start(m.ctx)
	if err := m.notifier.Start(m.ctx); err != nil {
		return err
	}

	m.goTracked(func() { m.monitor.Start(m.ctx) })
	if m.scheduler != nil {
		m.goTracked(func() { m.scheduler.Start(m.ctx) })
	}
	m.initialized = true

	queued, dead := m.store.Depth()
	m.logger.WithFields(logrus.Fields{
		LogFieldDeviceID: SanitizeDeviceID(m.cfg.DeviceID),
		"queued":         queued,
		"dead_letters":   dead,
		"realtime":       m.notifier.Enabled(),
	}).Info("Sync manager initialized")

	for _, deviceID := range m.store.Devices() {
		m.requestDrain(deviceID)
	}
	return nil
}

// Close stops every loop and timer, waits for running drains and performs a
// final flush.
func (m *SyncManager) Close(ctx context.Context) error {
	m.drainMu.Lock()
	if m.closed {
		m.drainMu.Unlock()
		return nil
	}
	m.closed = true
	m.drainMu.Unlock()

	m.notifier.Close()
	m.monitor.Stop()
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.engine.Close()
	m.cancel()
	m.wg.Wait()

	err := m.store.Close(ctx)
	m.bus.Close()
	m.logger.Info("Sync manager closed")
	return err
}

// QueueMessage accepts msg for deviceID and returns its id. Transport
// failures never surface here: delivery happens asynchronously.
func (m *SyncManager) QueueMessage(ctx context.Context, deviceID string, msg models.Message) (string, error) {
	if err := m.checkAccepting(); err != nil {
		return "", err
	}

	id, err := m.store.Enqueue(ctx, deviceID, msg)
	if err != nil {
		return "", err
	}
	metrics.IncrementCounter(metrics.MessagesQueued, nil, "Messages queued for delivery")
	m.updateDepthGauges()
	m.bus.Publish(events.Event{Type: events.MessageQueued, MessageID: id, DeviceID: deviceID})

	LogWithContext(ctx, m.logger).WithFields(idFields(ctx, deviceID, id)).Debug("Message queued")

	if m.notifier.Enabled() {
		m.goTracked(func() {
			_ = m.notifier.Notify(m.ctx, deviceID, id)
		})
		m.requestDrain(deviceID)
	}
	return id, nil
}

// GetDeviceQueue returns a copy of the queue for deviceID
func (m *SyncManager) GetDeviceQueue(deviceID string) []models.Message {
	return m.store.Queue(deviceID)
}

// GetMessageStatus returns the status entry of messageID
func (m *SyncManager) GetMessageStatus(messageID string) (models.MessageStatusEntry, error) {
	st, ok := m.store.Status(messageID)
	if !ok {
		return models.MessageStatusEntry{}, apperrors.NewNotFoundError("message", messageID)
	}
	return st, nil
}

// GetDeadLetterQueue returns every dead-lettered message
func (m *SyncManager) GetDeadLetterQueue() []models.DeadLetterEntry {
	return m.store.DeadLetters()
}

// ConfirmDelivery marks a sent message delivered on behalf of a consumer
func (m *SyncManager) ConfirmDelivery(ctx context.Context, messageID string) (models.MessageStatusEntry, error) {
	if err := m.checkAccepting(); err != nil {
		return models.MessageStatusEntry{}, err
	}
	st, err := m.store.ConfirmDelivery(messageID)
	if err != nil {
		return models.MessageStatusEntry{}, err
	}
	m.engine.Cancel(messageID)
	m.updateDepthGauges()
	m.bus.Publish(events.Event{Type: events.MessageDelivered, MessageID: messageID, DeviceID: st.DeviceID})
	m.recordAttempt(ctx, st.DeviceID, messageID, retry.Result{Outcome: retry.OutcomeDelivered, Attempts: st.TotalAttempts})
	return st, nil
}

// RedriveDeadLetter moves a dead-lettered message back to its device queue
// with a fresh attempt budget and starts delivering it.
func (m *SyncManager) RedriveDeadLetter(ctx context.Context, messageID string) (models.Message, error) {
	if err := m.checkAccepting(); err != nil {
		return models.Message{}, err
	}
	msg, err := m.store.RedriveDeadLetter(messageID)
	if err != nil {
		return models.Message{}, err
	}
	m.updateDepthGauges()
	m.recordAction(ctx, msg.TargetDeviceID, messageID, models.ActionRedrive)
	m.logger.WithFields(idFields(ctx, msg.TargetDeviceID, messageID)).Info("Dead letter redriven")
	m.bus.Publish(events.Event{Type: events.MessageQueued, MessageID: messageID, DeviceID: msg.TargetDeviceID, Reason: models.ActionRedrive})

	m.requestDrain(msg.TargetDeviceID)
	return msg, nil
}

// PurgeDeadLetter deletes a dead-lettered message and its status entry
func (m *SyncManager) PurgeDeadLetter(ctx context.Context, messageID string) error {
	if err := m.checkAccepting(); err != nil {
		return err
	}
	st, _ := m.store.Status(messageID)
	if err := m.store.PurgeDeadLetter(messageID); err != nil {
		return err
	}
	m.updateDepthGauges()
	m.recordAction(ctx, st.DeviceID, messageID, models.ActionPurge)
	m.logger.WithFields(idFields(ctx, st.DeviceID, messageID)).Info("Dead letter purged")
	return nil
}

// SyncDevice drains the queue of deviceID now and reports what happened
func (m *SyncManager) SyncDevice(ctx context.Context, deviceID string) DrainResult {
	return m.drain(ctx, deviceID)
}

// SyncAll drains every device queue
func (m *SyncManager) SyncAll(ctx context.Context) []DrainResult {
	devices := m.store.Devices()
	results := make([]DrainResult, 0, len(devices))
	for _, deviceID := range devices {
		if ctx.Err() != nil {
			break
		}
		results = append(results, m.drain(ctx, deviceID))
	}
	return results
}

// Subscribe registers fn for every lifecycle event and returns its cancel func
func (m *SyncManager) Subscribe(fn events.Handler) func() {
	return m.bus.Subscribe(fn)
}

// SubscribeChannel returns a buffered event channel and its cancel func
func (m *SyncManager) SubscribeChannel() (<-chan events.Event, func()) {
	return m.bus.SubscribeChannel()
}

// LastSyncTime returns when peerID was last heard from
func (m *SyncManager) LastSyncTime(peerID string) (time.Time, bool) {
	return m.notifier.LastSyncTime(peerID)
}

// DeliveryHistory returns the recorded attempts for messageID, newest first
func (m *SyncManager) DeliveryHistory(ctx context.Context, messageID string, limit int) ([]models.DeliveryAttempt, error) {
	if m.history == nil {
		return []models.DeliveryAttempt{}, nil
	}
	return m.history.GetDeliveryHistory(ctx, messageID, limit)
}

// DeadLetterActions returns the operator actions recorded for messageID
func (m *SyncManager) DeadLetterActions(ctx context.Context, messageID string) ([]models.DeadLetterAction, error) {
	if m.history == nil {
		return []models.DeadLetterAction{}, nil
	}
	return m.history.GetDeadLetterActions(ctx, messageID)
}

// Stats reports queue depths, persistence and breaker state
func (m *SyncManager) Stats() Stats {
	queued, dead := m.store.Depth()
	return Stats{
		DeviceID:       m.cfg.DeviceID,
		Queued:         queued,
		DeadLettered:   dead,
		PendingRetries: m.engine.PendingRetries(),
		Realtime:       m.notifier.Enabled(),
		Persistence:    m.store.PersistenceState(),
		Breakers:       m.notifier.BreakerStats(),
	}
}

// Flush writes pending store changes to disk
func (m *SyncManager) Flush(ctx context.Context) error {
	return m.store.Flush(ctx)
}

// checkAccepting rejects mutations before Initialize has loaded the
// snapshots and after Close.
func (m *SyncManager) checkAccepting() error {
	if m.isClosed() {
		return apperrors.NewClosedError("sync manager")
	}
	m.lifecycleMu.Lock()
	initialized := m.initialized
	m.lifecycleMu.Unlock()
	if !initialized {
		return apperrors.NewNotInitializedError("sync manager")
	}
	return nil
}

func (m *SyncManager) isClosed() bool {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	return m.closed
}

// knownPeers lists configured peers and every device with queued messages
func (m *SyncManager) knownPeers() []string {
	seen := make(map[string]bool)
	var peers []string
	add := func(id string) {
		if id == "" || id == m.cfg.DeviceID || seen[id] {
			return
		}
		seen[id] = true
		peers = append(peers, id)
	}
	for _, p := range m.cfg.Peers {
		add(p.DeviceID)
	}
	for _, id := range m.store.Devices() {
		add(id)
	}
	sort.Strings(peers)
	return peers
}

func (m *SyncManager) updateDepthGauges() {
	queued, dead := m.store.Depth()
	metrics.SetGauge(metrics.QueueDepth, float64(queued), nil, "Messages waiting in device queues")
	metrics.SetGauge(metrics.DeadLetterDepth, float64(dead), nil, "Messages in the dead letter queue")
}
