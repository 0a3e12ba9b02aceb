// Package tracker implements MiniBit's membership and availability
// directory: an in-memory registry keyed by file name and peer id, and the
// one-request-one-response wire server/client built on top of it.
package tracker

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownPeer is returned by UpdateBlocks when the file or peer named in
// the request was never registered.
var ErrUnknownPeer = errors.New("tracker: peer or file not found")

// maxPeersReturned bounds a GET_PEERS response, per the specification.
const maxPeersReturned = 5

type registryPeer struct {
	addr   Address
	blocks []string
}

// Registry is the TrackerRegistry: files → peer id → (address, blocks). All
// mutations and reads are serialized under a single lock, matching the
// specification's "single-mutex serialization is sufficient given RPC
// volume."
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	files map[string]map[string]*registryPeer
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With("component", "tracker-registry"),
		files: make(map[string]map[string]*registryPeer),
	}
}

// Register records or replaces a peer's entry for fileName.
func (r *Registry) Register(fileName, peerID string, addr Address, blocks []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.files[fileName]
	if !ok {
		peers = make(map[string]*registryPeer)
		r.files[fileName] = peers
	}

	peers[peerID] = &registryPeer{addr: addr, blocks: blocks}
	r.log.Info("peer registered", "peer_id", peerID, "file", fileName, "blocks", len(blocks))
}

// GetPeers returns up to maxPeersReturned other peers registered for
// fileName, uniformly sampled when more are known, excluding the requester.
func (r *Registry) GetPeers(fileName, excludePeerID string) []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.files[fileName]
	if !ok {
		return nil
	}

	candidates := make([]PeerInfo, 0, len(peers))
	for id, p := range peers {
		if id == excludePeerID {
			continue
		}
		candidates = append(candidates, PeerInfo{PeerID: id, Address: p.addr, Blocks: p.blocks})
	}

	if len(candidates) <= maxPeersReturned {
		return candidates
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:maxPeersReturned]
}

// UpdateBlocks refreshes the advertised block set for an already-registered
// peer. It returns ErrUnknownPeer if the file or peer is not registered.
func (r *Registry) UpdateBlocks(fileName, peerID string, blocks []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.files[fileName]
	if !ok {
		return ErrUnknownPeer
	}
	peer, ok := peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}

	peer.blocks = blocks
	return nil
}

// Remove deletes peerID from every file it was registered under. It
// reports whether the peer was found at all — used both for the explicit
// REMOVE command and for autonomous eviction on connection error.
func (r *Registry) Remove(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, peers := range r.files {
		if _, ok := peers[peerID]; ok {
			delete(peers, peerID)
			found = true
		}
	}
	return found
}
