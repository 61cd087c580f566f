// Package transport defines the peer stream abstraction the delivery layer
// is written against.
package transport

import (
	"context"

	apperrors "peersync/internal/errors"
)

// Protocol identifiers
const (
	ProtocolMessage   = "/peersync/message/1.0.0"
	ProtocolNotify    = "/peersync/notify/1.0.0"
	ProtocolHeartbeat = "/peersync/heartbeat/1.0.0"
)

// Stream is a single request/response exchange with a peer
type Stream interface {
	// Write sends the request payload. It may be called once.
	Write(ctx context.Context, payload []byte) error
	// ReadAll reads the complete reply.
	ReadAll(ctx context.Context) ([]byte, error)
	Close() error
}

// Handler serves one inbound request and returns the reply payload
type Handler func(ctx context.Context, peerID string, payload []byte) ([]byte, error)

// Transport opens outbound streams and dispatches inbound ones by protocol
type Transport interface {
	OpenStream(ctx context.Context, peerID, protocol string) (Stream, error)
	Handle(protocol string, handler Handler)
}

// Send opens a stream to peerID, writes payload and returns the full reply.
// Every failure is reported as a retryable transport error.
func Send(ctx context.Context, t Transport, peerID, protocol string, payload []byte) ([]byte, error) {
	stream, err := t.OpenStream(ctx, peerID, protocol)
	if err != nil {
		return nil, asTransportError(peerID, protocol, err)
	}
	defer stream.Close()

	if err := stream.Write(ctx, payload); err != nil {
		return nil, asTransportError(peerID, protocol, err)
	}

	reply, err := stream.ReadAll(ctx)
	if err != nil {
		return nil, asTransportError(peerID, protocol, err)
	}
	return reply, nil
}

func asTransportError(peerID, protocol string, err error) error {
	if apperrors.GetCode(err) == apperrors.ErrCodeTransport {
		return err
	}
	return apperrors.NewTransportError(peerID, protocol, err)
}
