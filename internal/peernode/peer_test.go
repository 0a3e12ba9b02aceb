package peernode

import (
	"context"
	"net"
	"testing"

	"github.com/minibit/minibit/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_HandshakeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := newPeer(clientConn, Hooks{}, nil, 4)
	server := newPeer(serverConn, Hooks{}, nil, 4)

	errCh := make(chan error, 1)
	go func() { errCh <- client.handshakeAsInitiator("Peer-client") }()

	require.NoError(t, server.handshakeAsReceiver("Peer-server"))
	require.NoError(t, <-errCh)

	assert.Equal(t, "Peer-server", client.ID())
	assert.Equal(t, "Peer-client", server.ID())
}

func TestPeer_RejectsNonHandshakeFirstFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newPeer(serverConn, Hooks{}, nil, 4)

	errCh := make(chan error, 1)
	go func() { errCh <- wire.WriteMessage(clientConn, wire.NewHave([]string{"f_0"})) }()

	err := server.handshakeAsReceiver("Peer-server")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotHandshake)
	require.NoError(t, <-errCh)
}

func TestPeer_SendUnchokeUpdatesLocalFlagAndReachesPeer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	p := newPeer(clientConn, Hooks{}, nil, 4)
	assert.True(t, p.IsChokedByThem())
	assert.True(t, p.IsChokedByUs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.writeLoop(ctx)

	p.SendUnchoke()
	assert.False(t, p.IsChokedByUs())

	msg, err := wire.ReadMessage(serverConn)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeUnchoke, msg.Type)
}
