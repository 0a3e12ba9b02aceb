// Package blockstore holds a node's owned blocks, tracks which blocks every
// known peer advertises, and reconstructs the shared file once complete.
//
// A Store is safe for concurrent use: add/update/remove operations run from
// whichever connection or periodic task observes them, while the
// connection-manager and choke tasks read a consistent snapshot under the
// same lock.
package blockstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Sentinel errors surfaced to callers, per the error-handling design's
// "preconditioned" category: returned to the caller, logged, and never
// close a socket by themselves.
var (
	// ErrIncompleteFile is returned by ReconstructFile when IsComplete
	// does not hold.
	ErrIncompleteFile = errors.New("blockstore: file is not complete")

	// ErrIoError wraps a failure while reading the source file or writing
	// the reconstructed output.
	ErrIoError = errors.New("blockstore: io error")
)

// Store is the per-file block ledger described by the specification's
// LocalBlockSet, AllBlockIds, and PeerBlockMap.
type Store struct {
	log       *slog.Logger
	fileName  string
	blockSize int

	mu              sync.RWMutex
	totalBlockCount int
	allBlockIDs     []string
	owned           map[string][]byte
	peerBlocks      map[string]map[string]struct{} // blockID -> peerIDs holding it
}

// New creates an empty Store for fileName. totalBlockCount is not known yet;
// it becomes authoritative via LoadFromFile (seeder) or the first non-empty
// UpdatePeerBlocks call (leecher).
func New(fileName string, blockSize int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:        log.With("component", "blockstore", "file", fileName),
		fileName:   fileName,
		blockSize:  blockSize,
		owned:      make(map[string][]byte),
		peerBlocks: make(map[string]map[string]struct{}),
	}
}

// blockIndex extracts the integer suffix after the final underscore of a
// block id, used to sort a bootstrapped block ordering and to break rarity
// ties in RarestMissing.
func blockIndex(id string) (int, error) {
	pos := strings.LastIndex(id, "_")
	if pos < 0 || pos == len(id)-1 {
		return 0, errors.Errorf("blockstore: malformed block id %q", id)
	}
	return strconv.Atoi(id[pos+1:])
}

// LoadFromFile splits path into block-sized chunks, populating the local
// block set and the authoritative id ordering. Used by a seeder.
func (s *Store) LoadFromFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}

	fileSize := info.Size()
	totalBlocks := int((fileSize + int64(s.blockSize) - 1) / int64(s.blockSize))
	if fileSize == 0 {
		totalBlocks = 0
	}

	baseName := s.fileName
	ids := make([]string, totalBlocks)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s_%d", baseName, i)
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	defer f.Close()

	owned := make(map[string][]byte, totalBlocks)
	buf := make([]byte, s.blockSize)
	for _, id := range ids {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.Wrap(ErrIoError, err.Error())
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		owned[id] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBlockCount = totalBlocks
	s.allBlockIDs = ids
	s.owned = owned

	s.log.Info("loaded file", "blocks", totalBlocks, "bytes", fileSize)
	return nil
}

// AddBlock stores a newly received block. It rejects a block already held,
// or one that isn't a member of the known block-id ordering (once that
// ordering is known).
func (s *Store) AddBlock(id string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.owned[id]; exists {
		return false
	}
	if len(s.allBlockIDs) > 0 && !lo.Contains(s.allBlockIDs, id) {
		return false
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.owned[id] = cp

	s.log.Debug("stored block", "block_id", id)
	return true
}

// GetBlockData returns the bytes of an owned block.
func (s *Store) GetBlockData(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.owned[id]
	return b, ok
}

// OwnedBlocks returns the ids of every block currently held, in index
// order.
func (s *Store) OwnedBlocks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.owned))
	for _, id := range s.orderedIDsLocked() {
		if _, ok := s.owned[id]; ok {
			out = append(out, id)
		}
	}
	// Blocks owned ahead of all_block_ids being known (shouldn't normally
	// happen, but keeps the invariant owned ⊆ returned set).
	if len(s.allBlockIDs) == 0 {
		for id := range s.owned {
			out = append(out, id)
		}
		sort.Strings(out)
	}
	return out
}

// MissingBlocks returns all_block_ids − owned_blocks.
func (s *Store) MissingBlocks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(s.allBlockIDs, func(id string, _ int) bool {
		_, owned := s.owned[id]
		return !owned
	})
}

// IsComplete reports whether every block of a known, non-empty file is
// held.
func (s *Store) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.totalBlockCount > 0 && len(s.owned) == s.totalBlockCount
}

// UpdatePeerBlocks records the full advertised set of a peer, removing it
// from blocks it no longer claims and adding it to newly claimed ones. If
// the block ordering isn't known yet and advertised is non-empty, it
// bootstraps all_block_ids from this peer's set.
func (s *Store) UpdatePeerBlocks(peerID string, advertised []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalBlockCount == 0 && len(advertised) > 0 {
		ids := append([]string(nil), advertised...)
		sort.Slice(ids, func(i, j int) bool {
			ii, _ := blockIndex(ids[i])
			jj, _ := blockIndex(ids[j])
			return ii < jj
		})
		s.allBlockIDs = ids
		s.totalBlockCount = len(ids)
		s.log.Info("bootstrapped block ordering from peer", "peer_id", peerID, "blocks", len(ids))
	}

	advertisedSet := make(map[string]struct{}, len(advertised))
	for _, id := range advertised {
		advertisedSet[id] = struct{}{}
	}

	for blockID, peers := range s.peerBlocks {
		if _, had := peers[peerID]; had {
			if _, still := advertisedSet[blockID]; !still {
				delete(peers, peerID)
			}
		}
	}

	for blockID := range advertisedSet {
		peers, ok := s.peerBlocks[blockID]
		if !ok {
			peers = make(map[string]struct{})
			s.peerBlocks[blockID] = peers
		}
		peers[peerID] = struct{}{}
	}
}

// RarityMap returns, for every block id any peer has advertised, the number
// of peers currently known to hold it. A block whose holders have all gone
// stays in the map with a count of zero.
func (s *Store) RarityMap() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.peerBlocks))
	for id, peers := range s.peerBlocks {
		out[id] = len(peers)
	}
	return out
}

// RemovePeer purges every reference to peerID from the rarity map.
func (s *Store) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, peers := range s.peerBlocks {
		delete(peers, peerID)
	}
}

// RarestMissing returns missing blocks sorted ascending by holder count,
// ties broken by ascending block index for determinism.
func (s *Store) RarestMissing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := lo.Filter(s.allBlockIDs, func(id string, _ int) bool {
		_, owned := s.owned[id]
		return !owned
	})

	rarity := func(id string) int { return len(s.peerBlocks[id]) }

	sort.SliceStable(missing, func(i, j int) bool {
		ri, rj := rarity(missing[i]), rarity(missing[j])
		if ri != rj {
			return ri < rj
		}
		ii, _ := blockIndex(missing[i])
		jj, _ := blockIndex(missing[j])
		return ii < jj
	})

	return missing
}

// PeerBlocks returns the blocks peerID is known to advertise.
func (s *Store) PeerBlocks(peerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0)
	for blockID, peers := range s.peerBlocks {
		if _, ok := peers[peerID]; ok {
			out = append(out, blockID)
		}
	}
	sort.Strings(out)
	return out
}

// ReconstructFile concatenates owned blocks, in index order, to
// outputPath. It requires IsComplete.
func (s *Store) ReconstructFile(outputPath string) error {
	s.mu.RLock()
	if s.totalBlockCount == 0 || len(s.owned) != s.totalBlockCount {
		s.mu.RUnlock()
		return ErrIncompleteFile
	}
	ids := append([]string(nil), s.allBlockIDs...)
	owned := s.owned
	s.mu.RUnlock()

	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	defer f.Close()

	for _, id := range ids {
		if _, err := f.Write(owned[id]); err != nil {
			return errors.Wrap(ErrIoError, err.Error())
		}
	}

	s.log.Info("reconstructed file", "output", outputPath)
	return nil
}

// Status formats a human-readable progress line for the periodic status
// task.
func (s *Store) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.totalBlockCount == 0 {
		return "status: idle | waiting for file metadata"
	}

	status := "downloading"
	if len(s.owned) == s.totalBlockCount {
		status = "completed"
	}
	progress := float64(len(s.owned)) / float64(s.totalBlockCount) * 100

	var ownedBytes uint64
	for _, data := range s.owned {
		ownedBytes += uint64(len(data))
	}
	totalBytes := uint64(s.totalBlockCount) * uint64(s.blockSize)

	return fmt.Sprintf(
		"status: %s | progress: %.1f%% | %d/%d blocks | %s/%s",
		status, progress, len(s.owned), s.totalBlockCount,
		humanize.Bytes(ownedBytes), humanize.Bytes(totalBytes),
	)
}

// orderedIDsLocked returns allBlockIDs; caller must hold s.mu.
func (s *Store) orderedIDsLocked() []string {
	return s.allBlockIDs
}
