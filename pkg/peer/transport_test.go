package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	apperrors "peersync/internal/errors"
	"peersync/internal/models"
	"peersync/internal/transport"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// startPeer serves a transport on a mux router the way the daemon mounts it
func startPeer(t *testing.T, id string) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(id, nil, Options{ServeTimeout: 5 * time.Second}, quietLogger())
	router := mux.NewRouter()
	router.Handle(Path, tr).Methods(http.MethodGet)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return tr, srv
}

func TestTransport_RequestReply(t *testing.T) {
	remote, srv := startPeer(t, "device-b")
	remote.Handle(transport.ProtocolMessage, func(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
		return append([]byte(peerID+"|"), payload...), nil
	})

	local := New("device-a", []models.PeerConfig{{DeviceID: "device-b", Address: srv.URL}}, Options{}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := transport.Send(ctx, local, "device-b", transport.ProtocolMessage, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "device-a|hello", string(reply))
}

func TestTransport_EmptyReply(t *testing.T) {
	remote, srv := startPeer(t, "device-b")
	remote.Handle(transport.ProtocolHeartbeat, func(context.Context, string, []byte) ([]byte, error) {
		return nil, nil
	})

	local := New("device-a", nil, Options{}, quietLogger())
	local.SetPeerAddress("device-b", srv.URL)

	reply, err := transport.Send(context.Background(), local, "device-b", transport.ProtocolHeartbeat, []byte("ping"))
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestTransport_HandlerErrorSurfacesAsTransportError(t *testing.T) {
	remote, srv := startPeer(t, "device-b")
	remote.Handle(transport.ProtocolNotify, func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("inbox full")
	})

	local := New("device-a", []models.PeerConfig{{DeviceID: "device-b", Address: srv.URL}}, Options{}, quietLogger())

	_, err := transport.Send(context.Background(), local, "device-b", transport.ProtocolNotify, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "inbox full")
}

func TestTransport_UnsupportedProtocolRejectedBeforeUpgrade(t *testing.T) {
	_, srv := startPeer(t, "device-b")
	local := New("device-a", []models.PeerConfig{{DeviceID: "device-b", Address: srv.URL}}, Options{}, quietLogger())

	_, err := transport.Send(context.Background(), local, "device-b", "/peersync/unknown/1.0.0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTransport_NegotiatesMinorVersion(t *testing.T) {
	remote, srv := startPeer(t, "device-b")
	remote.Handle(transport.ProtocolMessage, func(context.Context, string, []byte) ([]byte, error) {
		return []byte("v1"), nil
	})
	local := New("device-a", []models.PeerConfig{{DeviceID: "device-b", Address: srv.URL}}, Options{}, quietLogger())

	reply, err := transport.Send(context.Background(), local, "device-b", "/peersync/message/1.4.0", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(reply))

	_, err = transport.Send(context.Background(), local, "device-b", "/peersync/message/2.0.0", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTransport_UnknownPeer(t *testing.T) {
	local := New("device-a", nil, Options{}, quietLogger())

	_, err := local.OpenStream(context.Background(), "device-z", transport.ProtocolMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device-z")
}

func TestTransport_UnreachablePeer(t *testing.T) {
	_, srv := startPeer(t, "device-b")
	address := srv.URL
	srv.Close()

	local := New("device-a", []models.PeerConfig{{DeviceID: "device-b", Address: address}}, Options{}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := transport.Send(ctx, local, "device-b", transport.ProtocolMessage, []byte("x"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestServeHTTP_RejectsMissingPeerID(t *testing.T) {
	remote := New("device-b", nil, Options{}, quietLogger())
	remote.Handle(transport.ProtocolMessage, func(context.Context, string, []byte) ([]byte, error) {
		return nil, nil
	})

	req := httptest.NewRequest(http.MethodGet, Path+"?protocol="+transport.ProtocolMessage, nil)
	rec := httptest.NewRecorder()
	remote.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "http", address: "http://10.0.0.2:8420", want: "ws://10.0.0.2:8420/p2p?from=device-a&protocol=%2Fpeersync%2Fmessage%2F1.0.0"},
		{name: "https with prefix", address: "https://peer.lan/sync/", want: "wss://peer.lan/sync/p2p?from=device-a&protocol=%2Fpeersync%2Fmessage%2F1.0.0"},
		{name: "ws", address: "ws://peer.lan", want: "ws://peer.lan/p2p?from=device-a&protocol=%2Fpeersync%2Fmessage%2F1.0.0"},
		{name: "bad scheme", address: "ftp://peer.lan", wantErr: true},
		{name: "no host", address: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := streamURL(tt.address, "device-a", transport.ProtocolMessage)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeers(t *testing.T) {
	tr := New("device-a", []models.PeerConfig{
		{DeviceID: "device-c", Address: "http://c"},
		{DeviceID: "device-b", Address: "http://b"},
	}, Options{}, quietLogger())
	tr.SetPeerAddress("device-d", "http://d")

	assert.Equal(t, []string{"device-b", "device-c", "device-d"}, tr.Peers())
}

func TestCloseReasonTruncated(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, closeReason(errors.New(string(long))), maxCloseReasonBytes)
}

func TestCloseReasonKeepsRunesWhole(t *testing.T) {
	// One leading byte shifts every three-byte rune across the limit
	msg := "x" + strings.Repeat("€", 100)
	reason := closeReason(errors.New(msg))

	assert.True(t, utf8.ValidString(reason))
	assert.LessOrEqual(t, len(reason), maxCloseReasonBytes)
	assert.Equal(t, maxCloseReasonBytes-2, len(reason))
	assert.True(t, strings.HasPrefix(msg, reason))

	assert.Equal(t, "bad", closeReason(errors.New("bad\xff")))
}
