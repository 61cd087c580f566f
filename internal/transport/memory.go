package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnreachable is returned when the target peer is unknown or offline
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnsupportedProtocol is returned when the peer has no handler for a protocol
	ErrUnsupportedProtocol = errors.New("protocol not supported")
	// ErrStreamClosed is returned when a closed stream is used
	ErrStreamClosed = errors.New("stream closed")
)

// MemoryNetwork connects in-process transports. Streams invoke the remote
// handler directly on ReadAll.
type MemoryNetwork struct {
	mu      sync.RWMutex
	nodes   map[string]*MemoryTransport
	offline map[string]bool
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:   make(map[string]*MemoryTransport),
		offline: make(map[string]bool),
	}
}

// Join registers a node under peerID and returns its transport
func (n *MemoryNetwork) Join(peerID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &MemoryTransport{
		network:  n,
		peerID:   peerID,
		handlers: make(map[string]Handler),
	}
	n.nodes[peerID] = t
	delete(n.offline, peerID)
	return t
}

// SetOnline marks peerID reachable or unreachable
func (n *MemoryNetwork) SetOnline(peerID string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if online {
		delete(n.offline, peerID)
	} else {
		n.offline[peerID] = true
	}
}

func (n *MemoryNetwork) lookup(peerID string) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	node, ok := n.nodes[peerID]
	if !ok || n.offline[peerID] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, peerID)
	}
	return node, nil
}

// MemoryTransport is one node on a MemoryNetwork
type MemoryTransport struct {
	network *MemoryNetwork
	peerID  string

	mu       sync.RWMutex
	handlers map[string]Handler
	opened   map[string]int
}

// PeerID returns the id the node joined with
func (t *MemoryTransport) PeerID() string {
	return t.peerID
}

// Handle registers the handler for inbound streams on protocol
func (t *MemoryTransport) Handle(protocol string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[protocol] = handler
}

// OpenStream opens a stream to peerID. The source node must itself be online.
func (t *MemoryTransport) OpenStream(ctx context.Context, peerID, protocol string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.network.lookup(t.peerID); err != nil {
		return nil, err
	}
	target, err := t.network.lookup(peerID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.opened == nil {
		t.opened = make(map[string]int)
	}
	t.opened[protocol]++
	t.mu.Unlock()

	return &memoryStream{from: t.peerID, target: target, protocol: protocol}, nil
}

// Opened returns how many streams this node opened on protocol
func (t *MemoryTransport) Opened(protocol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opened[protocol]
}

func (t *MemoryTransport) handler(protocol string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[protocol]
	return h, ok
}

type memoryStream struct {
	from     string
	target   *MemoryTransport
	protocol string

	mu      sync.Mutex
	request []byte
	written bool
	closed  bool
}

func (s *memoryStream) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if s.written {
		return errors.New("stream already written")
	}
	s.request = append([]byte(nil), payload...)
	s.written = true
	return ctx.Err()
}

func (s *memoryStream) ReadAll(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	request := s.request
	s.mu.Unlock()

	// The peer may have gone offline since the stream opened
	if _, err := s.target.network.lookup(s.target.peerID); err != nil {
		return nil, err
	}
	h, ok := s.target.handler(s.protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, s.protocol)
	}
	return h(ctx, s.from, request)
}

func (s *memoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
