package peernode

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minibit/minibit/internal/config"
	"github.com/minibit/minibit/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig scales every timer down so a full swarm converges in well
// under a second instead of the production defaults' tens of seconds.
func testConfig(blockSize int) config.Config {
	cfg := config.Default()
	cfg.BlockSize = blockSize
	cfg.MaxFixedUnchoked = 4
	cfg.MaxConnections = 10
	cfg.RequestInterval = 20 * time.Millisecond
	cfg.EvaluationInterval = 20 * time.Millisecond
	cfg.OptimisticInterval = 20 * time.Millisecond
	cfg.StatusInterval = time.Second
	cfg.TrackerTimeout = time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

func startTestTracker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := tracker.NewRegistry(nil)
	srv := tracker.NewServer(reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.ListenAndServe(ctx, addr)
	time.Sleep(30 * time.Millisecond)

	return addr
}

func TestNode_SeederLeecherFullTransfer(t *testing.T) {
	trackerAddr := startTestTracker(t)

	content := []byte("the quick brown fox jumps over the lazy dog")
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "fox.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	seedCfg := testConfig(8)
	seeder, err := NewSeeder(seedCfg, trackerAddr, srcPath, "127.0.0.1:0", nil)
	require.NoError(t, err)

	leechCfg := testConfig(8)
	leechCfg.DownloadDir = t.TempDir()
	leecher, err := NewLeecher(leechCfg, trackerAddr, "fox.txt", "127.0.0.1:0", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go seeder.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	go leecher.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if leecher.store.IsComplete() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, leecher.store.IsComplete(), "leecher never reached completion")

	got, err := os.ReadFile(filepath.Join(leechCfg.DownloadDir, "fox.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.False(t, leecher.isLeeching(), "leecher must flip to seeding once complete")
}

func TestNode_CleanupPeerRetainsDirectoryEntry(t *testing.T) {
	cfg := testConfig(16)
	n := newNode(cfg, "127.0.0.1:0", "f", "127.0.0.1:0", nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	p := newPeer(serverConn, n.hooksFor(), n.log, outboxSize)
	p.id = "Peer-remote"
	n.registerPeer(p)

	require.Contains(t, n.directory, "Peer-remote")
	require.Contains(t, n.connections, "Peer-remote")

	n.cleanupPeer(p.ID(), nil)

	assert.NotContains(t, n.connections, "Peer-remote")
	assert.Contains(t, n.directory, "Peer-remote", "directory entries survive disconnects for retry")
}
