package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"peersync/internal/constants"
	apperrors "peersync/internal/errors"
	"peersync/internal/middleware"
	"peersync/internal/models"
	"peersync/internal/service"
	"peersync/internal/tracing"
	"peersync/internal/validation"
	"peersync/pkg/peer"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SyncService is the part of the sync manager the admin API drives
type SyncService interface {
	QueueMessage(ctx context.Context, deviceID string, msg models.Message) (string, error)
	GetDeviceQueue(deviceID string) []models.Message
	GetMessageStatus(messageID string) (models.MessageStatusEntry, error)
	GetDeadLetterQueue() []models.DeadLetterEntry
	ConfirmDelivery(ctx context.Context, messageID string) (models.MessageStatusEntry, error)
	RedriveDeadLetter(ctx context.Context, messageID string) (models.Message, error)
	PurgeDeadLetter(ctx context.Context, messageID string) error
	SyncDevice(ctx context.Context, deviceID string) service.DrainResult
	SyncAll(ctx context.Context) []service.DrainResult
	DeliveryHistory(ctx context.Context, messageID string, limit int) ([]models.DeliveryAttempt, error)
	DeadLetterActions(ctx context.Context, messageID string) ([]models.DeadLetterAction, error)
	Stats() service.Stats
}

// HistoryStore is the delivery history database as seen by the admin API
type HistoryStore interface {
	Ping(ctx context.Context) error
	CountOutcomesSince(ctx context.Context, since time.Time) (map[string]int, error)
}

type statsResponse struct {
	service.Stats
	OutcomesLast24h map[string]int `json:"outcomesLast24h,omitempty"`
}

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	sync    SyncService
	history HistoryStore
	inbox   *memoryInbox
	server  *http.Server
	started time.Time
}

type queueMessageRequest struct {
	ID      string `json:"id,omitempty"`
	Content []byte `json:"content"`
}

type queueMessageResponse struct {
	MessageID string `json:"messageId"`
	DeviceID  string `json:"deviceId"`
	Status    string `json:"status"`
}

// NewServer wires the admin API and the peer endpoint. peerHandler, history
// and inbox may be nil.
func NewServer(cfg models.ServerConfig, sync SyncService, peerHandler http.Handler, history HistoryStore, inbox *memoryInbox, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		sync:    sync,
		history: history,
		inbox:   inbox,
		started: time.Now(),
	}

	s.setupRoutes(peerHandler)

	addr := cfg.ListenAddr
	if addr == "" {
		addr = constants.DefaultListenAddr
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  secondsOr(cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: secondsOr(cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  secondsOr(cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}
	return s
}

func (s *Server) setupRoutes(peerHandler http.Handler) {
	if peerHandler != nil {
		s.router.Handle(peer.Path, middleware.PeerStreamObservabilityMiddleware(s.logger)(peerHandler)).Methods(http.MethodGet)
	}

	api := s.router.NewRoute().Subrouter()
	api.Use(middleware.ObservabilityMiddleware(s.logger))
	api.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig()))

	api.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)

	api.HandleFunc("/devices/{id}/messages", s.handleQueueMessage()).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/queue", s.handleDeviceQueue()).Methods(http.MethodGet)

	api.HandleFunc("/messages/{id}/status", s.handleMessageStatus()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/history", s.handleMessageHistory()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/confirm", s.handleConfirm()).Methods(http.MethodPost)

	api.HandleFunc("/dlq", s.handleDeadLetters()).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{id}/redrive", s.handleRedrive()).Methods(http.MethodPost)
	api.HandleFunc("/dlq/{id}/actions", s.handleDeadLetterActions()).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{id}", s.handlePurge()).Methods(http.MethodDelete)

	api.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)

	if s.inbox != nil {
		api.HandleFunc("/inbox", s.handleInbox()).Methods(http.MethodGet)
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"status":    "healthy",
			"uptime_ms": time.Since(s.started).Milliseconds(),
		}
		status := http.StatusOK

		if s.history != nil {
			if err := s.history.Ping(r.Context()); err != nil {
				s.logger.WithError(err).Warn("Health check failed: database unreachable")
				response["status"] = "unhealthy"
				response["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				response["database"] = "ok"
			}
		}

		s.writeJSON(w, r, status, response)
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := statsResponse{Stats: s.sync.Stats()}
		if s.history != nil {
			counts, err := s.history.CountOutcomesSince(r.Context(), time.Now().Add(-24*time.Hour))
			if err != nil {
				s.logger.WithError(err).Warn("Failed to count recent delivery outcomes")
			} else {
				response.OutcomesLast24h = counts
			}
		}
		s.writeJSON(w, r, http.StatusOK, response)
	}
}

func (s *Server) handleQueueMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["id"]

		if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
			s.writeError(w, r, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)

		var req queueMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
		if err := validation.ValidatePayloadSize(req.Content); err != nil {
			s.writeError(w, r, err)
			return
		}

		id, err := s.sync.QueueMessage(r.Context(), deviceID, models.Message{
			ID:      req.ID,
			Content: req.Content,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, r, http.StatusAccepted, queueMessageResponse{
			MessageID: id,
			DeviceID:  deviceID,
			Status:    string(models.DeliveryStatusPending),
		})
	}
}

func (s *Server) handleDeviceQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["id"]
		if err := validation.ValidateDeviceID(deviceID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, s.sync.GetDeviceQueue(deviceID))
	}
}

func (s *Server) handleMessageStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.sync.GetMessageStatus(mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, st)
	}
}

func (s *Server) handleMessageHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, apperrors.NewValidationError("limit", raw, "limit must be a number"))
				return
			}
			if err := validation.ValidateNumericRange(n, "limit", 1, maxHistoryLimit); err != nil {
				s.writeError(w, r, err)
				return
			}
			limit = n
		}

		history, err := s.sync.DeliveryHistory(r.Context(), mux.Vars(r)["id"], limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, history)
	}
}

func (s *Server) handleConfirm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.sync.ConfirmDelivery(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, st)
	}
}

func (s *Server) handleDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.sync.GetDeadLetterQueue())
	}
}

func (s *Server) handleRedrive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.sync.RedriveDeadLetter(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, msg)
	}
}

func (s *Server) handleDeadLetterActions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actions, err := s.sync.DeadLetterActions(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, actions)
	}
}

func (s *Server) handlePurge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sync.PurgeDeadLetter(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSync drains one device when ?device= is given, otherwise every queue
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deviceID := r.URL.Query().Get("device"); deviceID != "" {
			if err := validation.ValidateDeviceID(deviceID); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, r, http.StatusOK, []service.DrainResult{s.sync.SyncDevice(r.Context(), deviceID)})
			return
		}
		s.writeJSON(w, r, http.StatusOK, s.sync.SyncAll(r.Context()))
	}
}

func (s *Server) handleInbox() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.inbox.Messages())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		requestInfo := tracing.GetRequestInfo(r.Context())
		s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: requestInfo.RequestID,
			service.LogFieldURL:       r.URL.Path,
		}).WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestInfo := tracing.GetRequestInfo(r.Context())
	status := apperrors.HTTPStatusCode(err)

	entry := s.logger.WithFields(logrus.Fields{
		service.LogFieldRequestID:  requestInfo.RequestID,
		service.LogFieldURL:        r.URL.Path,
		service.LogFieldStatusCode: status,
		service.LogFieldErrorCode:  apperrors.GetCode(err),
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	s.writeJSON(w, r, status, apperrors.ToHTTPResponse(err, requestInfo.RequestID))
}
