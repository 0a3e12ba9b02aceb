package tracker

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetPeers_ExcludesRequesterAndCaps(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 8; i++ {
		id := string(rune('A' + i))
		r.Register("f", id, Address{IP: "127.0.0.1", Port: 9000 + i}, nil)
	}

	peers := r.GetPeers("f", "A")
	assert.LessOrEqual(t, len(peers), maxPeersReturned)
	for _, p := range peers {
		assert.NotEqual(t, "A", p.PeerID)
	}
}

func TestRegistry_UpdateBlocks_UnknownPeer(t *testing.T) {
	r := NewRegistry(nil)
	err := r.UpdateBlocks("f", "ghost", []string{"f_0"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("f", "A", Address{IP: "127.0.0.1", Port: 1}, []string{"f_0"})

	assert.True(t, r.Remove("A"))
	assert.False(t, r.Remove("A"))
	assert.Empty(t, r.GetPeers("f", ""))
}

func TestServerClient_RegisterAndGetPeers(t *testing.T) {
	reg := NewRegistry(nil)
	srv := NewServer(reg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close() // release the port; ListenAndServe rebinds it below

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := ln.Addr().String()
	go srv.ListenAndServe(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	client := NewClient(addr, time.Second)

	seederAddr := netip.MustParseAddrPort("127.0.0.1:7000")
	require.NoError(t, client.Register(context.Background(), "f", "seeder", seederAddr, []string{"f_0", "f_1"}))

	peers, err := client.GetPeers(context.Background(), "f", "leecher")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "seeder", peers[0].PeerID)
	assert.Equal(t, []string{"f_0", "f_1"}, peers[0].Blocks)
}

func TestServerClient_RemoveUnknownPeerFails(t *testing.T) {
	reg := NewRegistry(nil)
	srv := NewServer(reg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	client := NewClient(addr, time.Second)
	err = client.Remove(context.Background(), "nobody")
	require.Error(t, err)
}
