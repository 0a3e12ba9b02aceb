// Package choke implements the tit-for-tat choke/unchoke scheduler: a pure
// state machine partitioning interested peers into a bounded fixed-unchoke
// set plus one periodically rotated optimistic-unchoke slot.
package choke

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/samber/lo"
)

// RankFunc orders interested peer ids by preference, most-preferred first.
// The reference policy (and MiniBit's default) ranks uniformly at random
// rather than by observed transfer rate — see the design notes on why the
// source's apparent rate-based ranking was never actually implemented.
type RankFunc func(interested []string) []string

// UniformRandomRank is the default RankFunc: a Fisher-Yates shuffle of the
// candidate set.
func UniformRandomRank(interested []string) []string {
	out := append([]string(nil), interested...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Controller holds ChokeState: the current fixed and optimistic unchoke
// slots. It never fails — every method is a pure mutation of in-memory
// state driven by a monotonic clock.
type Controller struct {
	maxFixed           int
	optimisticInterval time.Duration
	rank               RankFunc
	now                func() time.Time

	mu                 sync.Mutex
	fixedUnchoked      map[string]struct{}
	optimisticUnchoked string
	optimisticSetAt    time.Time
}

// New creates a Controller bounding the fixed unchoke set to maxFixed peers
// and rotating the optimistic slot every optimisticInterval, using the
// default uniform-random ranking.
func New(maxFixed int, optimisticInterval time.Duration) *Controller {
	return &Controller{
		maxFixed:           maxFixed,
		optimisticInterval: optimisticInterval,
		rank:               UniformRandomRank,
		now:                time.Now,
		fixedUnchoked:      make(map[string]struct{}),
	}
}

// WithRankFunc overrides the fixed-slot ranking policy. Implementations MAY
// rank by observed transfer rate; the zero value keeps UniformRandomRank.
func (c *Controller) WithRankFunc(fn RankFunc) *Controller {
	if fn != nil {
		c.rank = fn
	}
	return c
}

// Evaluate partitions interested into a new unchoke set and returns the
// symmetric difference against the previous one, split into peers that must
// transition to choked and peers that must transition to unchoked. rarity
// is accepted for interface parity with the specification's
// evaluate(interested, rarity_map) signature; the default ranking doesn't
// consult it.
func (c *Controller) Evaluate(interested []string, rarity map[string]int) (toChoke, toUnchoke []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.currentUnchokedSetLocked()

	// If the optimistic incumbent is being retained this round, it must
	// not also compete for a fixed slot — otherwise it can be drawn into
	// newFixed and end up occupying both slots at once.
	retainedOptimistic := c.optimisticStillValidLocked(interested)
	rankPool := interested
	if retainedOptimistic {
		rankPool = lo.Filter(interested, func(id string, _ int) bool {
			return id != c.optimisticUnchoked
		})
	}

	ranked := c.rank(rankPool)
	newFixed := make(map[string]struct{}, c.maxFixed)
	n := c.maxFixed
	if n > len(ranked) {
		n = len(ranked)
	}
	for _, peerID := range ranked[:n] {
		newFixed[peerID] = struct{}{}
	}

	if !retainedOptimistic {
		c.reselectOptimisticLocked(interested, newFixed)
	}

	c.fixedUnchoked = newFixed

	newSet := c.currentUnchokedSetLocked()

	toUnchoke = lo.Filter(lo.Keys(newSet), func(id string, _ int) bool {
		_, wasUnchoked := previous[id]
		return !wasUnchoked
	})
	toChoke = lo.Filter(lo.Keys(previous), func(id string, _ int) bool {
		_, stillUnchoked := newSet[id]
		return !stillUnchoked
	})

	return toChoke, toUnchoke
}

// optimisticStillValidLocked reports whether the current optimistic pick
// should be retained this round: still interested, and the rotation
// interval hasn't elapsed yet. Caller must hold c.mu.
func (c *Controller) optimisticStillValidLocked(interested []string) bool {
	return c.optimisticUnchoked != "" &&
		lo.Contains(interested, c.optimisticUnchoked) &&
		c.now().Sub(c.optimisticSetAt) < c.optimisticInterval
}

// reselectOptimisticLocked picks a fresh optimistic slot from interested
// peers not already in newFixed. Caller must hold c.mu and must only call
// this when the incumbent is not being retained.
func (c *Controller) reselectOptimisticLocked(interested []string, newFixed map[string]struct{}) {
	candidates := lo.Filter(interested, func(id string, _ int) bool {
		_, fixed := newFixed[id]
		return !fixed
	})

	if len(candidates) == 0 {
		c.optimisticUnchoked = ""
		return
	}

	c.optimisticUnchoked = candidates[rand.IntN(len(candidates))]
	c.optimisticSetAt = c.now()
}

// currentUnchokedSetLocked returns fixed ∪ optimistic. Caller must hold
// c.mu.
func (c *Controller) currentUnchokedSetLocked() map[string]struct{} {
	set := make(map[string]struct{}, len(c.fixedUnchoked)+1)
	for id := range c.fixedUnchoked {
		set[id] = struct{}{}
	}
	if c.optimisticUnchoked != "" {
		set[c.optimisticUnchoked] = struct{}{}
	}
	return set
}

// IsUnchoked reports whether peerID is currently in the fixed set or is the
// optimistic pick.
func (c *Controller) IsUnchoked(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.fixedUnchoked[peerID]; ok {
		return true
	}
	return c.optimisticUnchoked == peerID
}

// Unregister removes peerID from every slot. If it held the optimistic
// slot, that slot is cleared; re-selection happens on the next Evaluate.
func (c *Controller) Unregister(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.fixedUnchoked, peerID)
	if c.optimisticUnchoked == peerID {
		c.optimisticUnchoked = ""
	}
}
