// Package peernode implements a MiniBit participant: the listener/dialer
// pair, the connection table, and the three periodic tasks (connection
// manager, choke evaluator, status reporter) that drive a download or
// upload to completion.
package peernode

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minibit/minibit/internal/blockstore"
	"github.com/minibit/minibit/internal/choke"
	"github.com/minibit/minibit/internal/config"
	"github.com/minibit/minibit/internal/tracker"
	"github.com/minibit/minibit/pkg/retry"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// outboxSize bounds how many unsent messages queue per connection before
// new sends are dropped rather than blocking the writer indefinitely.
const outboxSize = 64

// dirEntry is one row of the peer directory: an address worth retrying even
// after the active connection to it has gone away.
type dirEntry struct {
	addr     string
	lastSeen time.Time
}

// Node is one MiniBit participant — either seeding a complete file or
// leeching an incomplete one, possibly transitioning from the latter to the
// former mid-run.
type Node struct {
	log  *slog.Logger
	cfg  config.Config
	id   string
	file string

	store  *blockstore.Store
	choke  *choke.Controller
	client *tracker.Client

	listenAddr string
	listener   net.Listener

	mu          sync.RWMutex
	connections map[string]*Peer
	directory   map[string]dirEntry

	leeching  bool
	outputDir string
}

// generatePeerID mints a short, human-legible peer identifier.
func generatePeerID() string {
	return "Peer-" + uuid.NewString()[:8]
}

func newNode(cfg config.Config, trackerAddr, fileName, listenAddr string, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	id := generatePeerID()
	return &Node{
		log:         log.With("component", "peernode", "peer_id", id),
		cfg:         cfg,
		id:          id,
		file:        fileName,
		choke:       choke.New(cfg.MaxFixedUnchoked, cfg.OptimisticInterval),
		client:      tracker.NewClient(trackerAddr, cfg.TrackerTimeout),
		listenAddr:  listenAddr,
		connections: make(map[string]*Peer),
		directory:   make(map[string]dirEntry),
		outputDir:   cfg.DownloadDir,
	}
}

// NewSeeder builds a Node that already holds filePath in full and serves it
// to the swarm.
func NewSeeder(cfg config.Config, trackerAddr, filePath, listenAddr string, log *slog.Logger) (*Node, error) {
	fileName := filepath.Base(filePath)
	n := newNode(cfg, trackerAddr, fileName, listenAddr, log)
	n.store = blockstore.New(fileName, cfg.BlockSize, n.log)
	if err := n.store.LoadFromFile(filePath); err != nil {
		return nil, errors.Wrap(err, "peernode: load seed file")
	}
	n.leeching = false
	return n, nil
}

// NewLeecher builds a Node with no blocks yet, which will learn the block
// ordering from the swarm and reconstruct fileName once complete.
func NewLeecher(cfg config.Config, trackerAddr, fileName, listenAddr string, log *slog.Logger) (*Node, error) {
	n := newNode(cfg, trackerAddr, fileName, listenAddr, log)
	n.store = blockstore.New(fileName, cfg.BlockSize, n.log)
	n.leeching = true
	return n, nil
}

// ID returns this node's generated peer id.
func (n *Node) ID() string { return n.id }

// Run binds the listener, registers with the tracker, and drives the
// accept loop plus the three periodic tasks until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", n.listenAddr)
	if err != nil {
		return errors.Wrap(err, "peernode: listen")
	}
	n.listener = ln
	n.log.Info("listening", "addr", ln.Addr().String())

	if err := n.registerWithTracker(ctx); err != nil {
		n.log.Warn("initial tracker registration failed", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return n.listener.Close()
	})
	g.Go(func() error { return n.acceptLoop(ctx) })
	g.Go(func() error { return n.connectionManagerLoop(ctx) })
	g.Go(func() error { return n.chokeLoop(ctx) })
	g.Go(func() error { return n.statusLoop(ctx) })

	return g.Wait()
}

// registerWithTracker announces this node, retrying with backoff since the
// tracker may not be reachable yet at process startup.
func (n *Node) registerWithTracker(ctx context.Context) error {
	addr, err := netip.ParseAddrPort(normalizeAddr(n.listenAddr, n.listener))
	if err != nil {
		return errors.Wrap(err, "peernode: parse listen address")
	}

	return retry.Do(ctx, func(ctx context.Context) error {
		return n.client.Register(ctx, n.file, n.id, addr, n.store.OwnedBlocks())
	}, retry.WithExponentialBackoff(5, 200*time.Millisecond, 5*time.Second)...)
}

// normalizeAddr resolves a ":0"-style listen address to the actual bound
// port once the listener exists.
func normalizeAddr(requested string, ln net.Listener) string {
	if ln == nil {
		return requested
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.String()
	}
	return requested
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go n.handleInbound(ctx, conn)
	}
}

func (n *Node) handleInbound(ctx context.Context, conn net.Conn) {
	p := newPeer(conn, n.hooksFor(), n.log, outboxSize)
	if err := p.handshakeAsReceiver(n.id); err != nil {
		n.log.Debug("rejected inbound connection", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	n.runPeer(ctx, p)
}

func (n *Node) dial(ctx context.Context, peerID, addr string) {
	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		n.log.Debug("dial failed, keeping in directory for retry", "peer_id", peerID, "addr", addr, "err", err)
		return
	}

	p := newPeer(conn, n.hooksFor(), n.log, outboxSize)
	if err := p.handshakeAsInitiator(n.id); err != nil {
		n.log.Debug("handshake failed", "peer_id", peerID, "err", err)
		conn.Close()
		return
	}
	n.runPeer(ctx, p)
}

func (n *Node) runPeer(ctx context.Context, p *Peer) {
	n.registerPeer(p)
	p.SendHave(n.store.OwnedBlocks())

	err := p.Run(ctx)
	n.cleanupPeer(p.ID(), err)
}

func (n *Node) registerPeer(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.connections[p.ID()] = p
	n.directory[p.ID()] = dirEntry{addr: p.Addr(), lastSeen: time.Now()}
}

// cleanupPeer drops a connection's live state while keeping the directory
// entry around so the connection manager can retry later.
func (n *Node) cleanupPeer(peerID string, err error) {
	if peerID == "" {
		return
	}

	n.mu.Lock()
	delete(n.connections, peerID)
	if entry, ok := n.directory[peerID]; ok {
		entry.lastSeen = time.Now()
		n.directory[peerID] = entry
	}
	n.mu.Unlock()

	n.store.RemovePeer(peerID)
	n.choke.Unregister(peerID)

	if err != nil {
		n.log.Debug("connection closed", "peer_id", peerID, "err", err)
	}
}

// hooksFor builds the callback set every Peer dispatches into, closing over
// this Node without exposing it.
func (n *Node) hooksFor() Hooks {
	return Hooks{
		OnHave:         n.onHave,
		OnRequestBlock: n.onRequestBlock,
		OnBlockData:    n.onBlockData,
		OnChoke:        func(string) {},
		OnUnchoke:      func(string) {},
	}
}

func (n *Node) onHave(peerID string, blocks []string) {
	n.store.UpdatePeerBlocks(peerID, blocks)
}

func (n *Node) onRequestBlock(peerID, blockID string) {
	if !n.choke.IsUnchoked(peerID) {
		return // silently dropped, per the choke-gating rule
	}
	data, ok := n.store.GetBlockData(blockID)
	if !ok {
		return
	}
	n.mu.RLock()
	p, ok := n.connections[peerID]
	n.mu.RUnlock()
	if !ok {
		return
	}
	p.SendBlockData(blockID, data)
}

func (n *Node) onBlockData(peerID, blockID string, data []byte) {
	if !n.store.AddBlock(blockID, data) {
		return
	}

	n.broadcastHave()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.TrackerTimeout)
	defer cancel()
	if err := n.client.UpdateBlocks(ctx, n.file, n.id, n.store.OwnedBlocks()); err != nil {
		n.log.Debug("tracker update_blocks failed", "err", err)
	}

	if n.store.IsComplete() && n.isLeeching() {
		n.completeDownload()
	}
}

func (n *Node) completeDownload() {
	if err := os.MkdirAll(n.outputDir, 0o755); err != nil {
		n.log.Error("failed to create download directory", "dir", n.outputDir, "err", err)
		return
	}

	out := filepath.Join(n.outputDir, n.file)
	if err := n.store.ReconstructFile(out); err != nil {
		n.log.Error("failed to reconstruct completed file", "err", err)
		return
	}
	n.mu.Lock()
	n.leeching = false
	n.mu.Unlock()
	n.log.Info("download complete, now seeding", "output", out)
}

func (n *Node) broadcastHave() {
	owned := n.store.OwnedBlocks()
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.connections {
		p.SendHave(owned)
	}
}

// connectionManagerLoop refreshes tracker peer lists, dials undiscovered
// peers up to the connection cap, and issues at most one block request per
// tick, per the request-manager's single-request-per-tick rule.
func (n *Node) connectionManagerLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.RequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.connectionManagerTick(ctx)
		}
	}
}

func (n *Node) connectionManagerTick(ctx context.Context) {
	if n.isLeeching() {
		n.refreshFromTracker(ctx)
	}
	n.dialKnownPeers(ctx)
	if n.isLeeching() {
		n.requestOneBlock()
	}
}

func (n *Node) isLeeching() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leeching
}

func (n *Node) refreshFromTracker(ctx context.Context) {
	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.TrackerTimeout)
	defer cancel()

	peers, err := n.client.GetPeers(rpcCtx, n.file, n.id)
	if err != nil {
		n.log.Debug("tracker get_peers failed", "err", err)
		return
	}

	n.mu.Lock()
	for _, pi := range peers {
		if pi.PeerID == n.id {
			continue
		}
		if _, known := n.directory[pi.PeerID]; !known {
			n.directory[pi.PeerID] = dirEntry{addr: net.JoinHostPort(pi.Address.IP, strconv.Itoa(pi.Address.Port))}
		}
	}
	n.mu.Unlock()
}

func (n *Node) dialKnownPeers(ctx context.Context) {
	n.mu.RLock()
	active := len(n.connections)
	var candidates []struct{ id, addr string }
	for id, entry := range n.directory {
		if _, connected := n.connections[id]; connected {
			continue
		}
		candidates = append(candidates, struct{ id, addr string }{id, entry.addr})
	}
	n.mu.RUnlock()

	for _, c := range candidates {
		if active >= n.cfg.MaxConnections {
			return
		}
		go n.dial(ctx, c.id, c.addr)
		active++
	}
}

// requestOneBlock picks the single rarest missing block that some
// currently-unchoking connected peer holds, and asks exactly one such peer
// for it.
func (n *Node) requestOneBlock() {
	rarest := n.store.RarestMissing()
	if len(rarest) == 0 {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, blockID := range rarest {
		var holders []*Peer
		for _, p := range n.connections {
			if p.IsChokedByThem() {
				continue
			}
			if lo.Contains(n.store.PeerBlocks(p.ID()), blockID) {
				holders = append(holders, p)
			}
		}
		if len(holders) == 0 {
			continue
		}
		pick := holders[rand.IntN(len(holders))]
		pick.SendRequestBlock(blockID)
		return
	}
}

// chokeLoop re-evaluates the unchoke set on a fixed schedule, sending
// choke/unchoke frames for every transition.
func (n *Node) chokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.chokeTick()
		}
	}
}

func (n *Node) chokeTick() {
	owned := n.store.OwnedBlocks()

	n.mu.RLock()
	var interested []string
	peers := make(map[string]*Peer, len(n.connections))
	for id, p := range n.connections {
		peers[id] = p
		if n.peerIsInterestedLocked(owned, id) {
			interested = append(interested, id)
		}
	}
	n.mu.RUnlock()

	toChoke, toUnchoke := n.choke.Evaluate(interested, n.store.RarityMap())

	for _, id := range toChoke {
		if p, ok := peers[id]; ok {
			p.SendChoke()
		}
	}
	for _, id := range toUnchoke {
		if p, ok := peers[id]; ok {
			p.SendUnchoke()
		}
	}
}

// peerIsInterestedLocked reports whether peerID lacks at least one block we
// hold. Caller must hold n.mu (for read).
func (n *Node) peerIsInterestedLocked(owned []string, peerID string) bool {
	theirs := n.store.PeerBlocks(peerID)
	for _, id := range owned {
		if !lo.Contains(theirs, id) {
			return true
		}
	}
	return false
}

func (n *Node) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.mu.RLock()
			connected := len(n.connections)
			n.mu.RUnlock()
			n.log.Info(n.store.Status(), "connections", connected)
		}
	}
}
