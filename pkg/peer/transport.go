// Package peer implements the peer transport over WebSockets. Every stream is
// one connection carrying a single request and a single reply.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"peersync/internal/models"
	"peersync/internal/transport"
	"peersync/internal/validation"
	"peersync/internal/versioning"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Path is where peers accept streams
	Path = "/p2p"

	defaultReadLimit    = 8 * 1024 * 1024
	defaultServeTimeout = 30 * time.Second
	maxCloseReasonBytes = 120
)

// Options tunes a Transport
type Options struct {
	ReadLimit    int64
	ServeTimeout time.Duration
	HTTPClient   *http.Client
}

// Transport dials peers by their configured address and serves inbound
// streams as an http.Handler.
type Transport struct {
	selfID string
	opts   Options
	logger *logrus.Logger

	mu        sync.RWMutex
	addresses map[string]string
	handlers  map[string]transport.Handler
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for the local device
func New(selfID string, peers []models.PeerConfig, opts Options, logger *logrus.Logger) *Transport {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.ServeTimeout <= 0 {
		opts.ServeTimeout = defaultServeTimeout
	}

	t := &Transport{
		selfID:    selfID,
		opts:      opts,
		logger:    logger,
		addresses: make(map[string]string),
		handlers:  make(map[string]transport.Handler),
	}
	for _, p := range peers {
		t.addresses[p.DeviceID] = p.Address
	}
	return t
}

// SetPeerAddress adds or replaces the address of a peer
func (t *Transport) SetPeerAddress(peerID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[peerID] = address
}

// Peers returns the ids of all peers with a known address
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.addresses))
	for id := range t.addresses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle registers the handler for inbound streams on protocol
func (t *Transport) Handle(protocol string, handler transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[protocol] = handler
}

// OpenStream dials the peer. The connection is closed by Stream.Close.
func (t *Transport) OpenStream(ctx context.Context, peerID, protocol string) (transport.Stream, error) {
	t.mu.RLock()
	address, ok := t.addresses[peerID]
	t.mu.RUnlock()
	if !ok || address == "" {
		return nil, fmt.Errorf("no address known for peer %s", peerID)
	}

	endpoint, err := streamURL(address, t.selfID, protocol)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: t.opts.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial peer %s: %s: %w", peerID, resp.Status, err)
		}
		return nil, fmt.Errorf("dial peer %s: %w", peerID, err)
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	return &stream{conn: conn}, nil
}

// streamURL turns a peer address into the ws(s) URL of its stream endpoint
func streamURL(address, from, protocol string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", address, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported peer address scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("peer address %q has no host", address)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	q := u.Query()
	q.Set("protocol", protocol)
	q.Set("from", from)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ServeHTTP accepts one inbound stream, runs the protocol handler and writes its reply
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Query().Get("protocol")
	from := r.URL.Query().Get("from")

	if err := validation.ValidateDeviceID(from); err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	handler, ok := t.handlerFor(protocol)
	if !ok {
		http.Error(w, "unsupported protocol", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.WithError(err).WithField("protocol", protocol).Warn("Failed to accept peer stream")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(t.opts.ReadLimit)

	ctx, cancel := context.WithTimeout(r.Context(), t.opts.ServeTimeout)
	defer cancel()

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.logger.WithError(err).WithField("protocol", protocol).Debug("Failed to read peer request")
		return
	}

	reply, err := handler(ctx, from, payload)
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"protocol": protocol,
		}).Warn("Peer stream handler failed")
		conn.Close(websocket.StatusInternalError, closeReason(err))
		return
	}

	if err := conn.Write(ctx, websocket.MessageBinary, reply); err != nil {
		t.logger.WithError(err).WithField("protocol", protocol).Debug("Failed to write peer reply")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handlerFor resolves protocol to a registered handler, accepting other
// versions of a protocol that share its major version.
func (t *Transport) handlerFor(protocol string) (transport.Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if handler, ok := t.handlers[protocol]; ok {
		return handler, true
	}

	supported := make([]string, 0, len(t.handlers))
	for id := range t.handlers {
		supported = append(supported, id)
	}
	matched, ok := versioning.Negotiate(protocol, supported)
	if !ok {
		return nil, false
	}
	t.logger.WithFields(logrus.Fields{
		"requested": protocol,
		"serving":   matched,
	}).Debug("Negotiated peer protocol version")
	return t.handlers[matched], true
}

// closeReason fits an error message into a close frame
func closeReason(err error) string {
	reason := strings.ToValidUTF8(err.Error(), "")
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

type stream struct {
	conn *websocket.Conn
}

func (s *stream) Write(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (s *stream) ReadAll(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code != websocket.StatusNormalClosure {
			return nil, fmt.Errorf("peer closed stream with %d: %s", closeErr.Code, closeErr.Reason)
		}
		return nil, err
	}
	return data, nil
}

func (s *stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
