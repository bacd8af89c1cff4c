// Package view implements the bounded active/passive view data structure
// that sits at the heart of HyParView. A Store is owned by exactly one
// goroutine (the membership engine) and therefore carries no internal
// locking — see spec §5 "no shared mutable state, no locks on the view
// store".
package view

import (
	"math/rand"

	"github.com/hyparview/hyparview/internal/domain"
)

// Evicted describes an active-view member removed to make room for a new
// insertion. The caller (the membership engine) is responsible for
// sending DISCONNECT to Peer and closing Writer.
type Evicted[W any] struct {
	Peer   domain.PeerID
	Writer W
}

// Store holds the active and passive views for one local node. W is the
// writer-handle type the active view associates with each peer (normally
// a transport connection handle); the view package never calls methods on
// W, it only stores and returns it.
type Store[W any] struct {
	selfID      domain.PeerID
	activeSize  int
	passiveSize int
	rng         *rand.Rand

	active  map[domain.PeerID]W
	passive map[domain.PeerID]struct{}
}

// New creates an empty Store. rng should be seeded per node (see
// spec §9: "Implementers must use a non-trivial PRNG seeded per node, not
// insertion-order eviction").
func New[W any](selfID domain.PeerID, activeSize, passiveSize int, rng *rand.Rand) *Store[W] {
	return &Store[W]{
		selfID:      selfID,
		activeSize:  activeSize,
		passiveSize: passiveSize,
		rng:         rng,
		active:      make(map[domain.PeerID]W),
		passive:     make(map[domain.PeerID]struct{}),
	}
}

func (s *Store[W]) ActiveContains(p domain.PeerID) bool  { _, ok := s.active[p]; return ok }
func (s *Store[W]) PassiveContains(p domain.PeerID) bool { _, ok := s.passive[p]; return ok }
func (s *Store[W]) ActiveIsFull() bool                   { return len(s.active) >= s.activeSize }
func (s *Store[W]) PassiveIsFull() bool                  { return len(s.passive) >= s.passiveSize }
func (s *Store[W]) ActiveLen() int                       { return len(s.active) }
func (s *Store[W]) PassiveLen() int                      { return len(s.passive) }

// ActivePeers returns a snapshot of the active view's PeerIDs. Order is
// unspecified.
func (s *Store[W]) ActivePeers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.active))
	for p := range s.active {
		out = append(out, p)
	}
	return out
}

// PassivePeers returns a snapshot of the passive view's PeerIDs. Order is
// unspecified.
func (s *Store[W]) PassivePeers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.passive))
	for p := range s.passive {
		out = append(out, p)
	}
	return out
}

// ActiveWriter returns the writer handle registered for an active peer.
func (s *Store[W]) ActiveWriter(p domain.PeerID) (W, bool) {
	w, ok := s.active[p]
	return w, ok
}

// AddActive inserts p into the active view, associating it with w.
//
//   - p == selfID is rejected with domain.ErrIsSelf.
//   - p already active: no-op, existing writer kept.
//   - p in passive: promoted (removed from passive first).
//   - active view full: a uniformly random existing member is evicted
//     first, returned as Evicted so the caller can DISCONNECT it.
func (s *Store[W]) AddActive(p domain.PeerID, w W) (*Evicted[W], error) {
	if p == s.selfID {
		return nil, domain.ErrIsSelf
	}
	if s.ActiveContains(p) {
		return nil, nil
	}

	delete(s.passive, p)

	var evicted *Evicted[W]
	if s.ActiveIsFull() {
		victim := s.randomKey(s.active)
		evicted = &Evicted[W]{Peer: victim, Writer: s.active[victim]}
		delete(s.active, victim)
	}

	s.active[p] = w
	return evicted, nil
}

// AddPassive inserts p into the passive view if it is not already active,
// not already passive, and not the local node. If full, a uniformly
// random existing passive entry is evicted to make room.
func (s *Store[W]) AddPassive(p domain.PeerID) error {
	return s.addPassive(p, nil)
}

// AddPassiveAvoiding behaves like AddPassive but, on overflow, prefers to
// evict a passive entry that is not in avoid — used during shuffle so we
// do not immediately evict the peers we just announced.
func (s *Store[W]) AddPassiveAvoiding(p domain.PeerID, avoid map[domain.PeerID]bool) error {
	return s.addPassive(p, avoid)
}

func (s *Store[W]) addPassive(p domain.PeerID, avoid map[domain.PeerID]bool) error {
	if p == s.selfID {
		return domain.ErrIsSelf
	}
	if s.ActiveContains(p) || s.PassiveContains(p) {
		return nil
	}

	if s.PassiveIsFull() {
		keys := make(map[domain.PeerID]bool, len(s.passive))
		for k := range s.passive {
			keys[k] = true
		}
		victim := s.randomKeyAvoiding(keys, avoid)
		delete(s.passive, victim)
	}

	s.passive[p] = struct{}{}
	return nil
}

// RemoveActive removes p from the active view if present, returning its
// writer handle.
func (s *Store[W]) RemoveActive(p domain.PeerID) (W, bool) {
	w, ok := s.active[p]
	if ok {
		delete(s.active, p)
	}
	return w, ok
}

// RemovePassive removes p from the passive view if present.
func (s *Store[W]) RemovePassive(p domain.PeerID) bool {
	_, ok := s.passive[p]
	delete(s.passive, p)
	return ok
}

// SampleActive returns up to n distinct, uniformly-random active members,
// excluding any PeerID present in excluding.
func (s *Store[W]) SampleActive(n int, excluding map[domain.PeerID]bool) []domain.PeerID {
	return s.sample(s.active, n, excluding)
}

// SamplePassive returns up to n distinct, uniformly-random passive
// members, excluding any PeerID present in excluding.
func (s *Store[W]) SamplePassive(n int, excluding map[domain.PeerID]bool) []domain.PeerID {
	return samplePassive(s.passive, n, excluding, s.rng)
}

// RandomActiveExcept returns a uniformly random active member other than
// p, or false if no such member exists.
func (s *Store[W]) RandomActiveExcept(p domain.PeerID) (domain.PeerID, bool) {
	candidates := make([]domain.PeerID, 0, len(s.active))
	for q := range s.active {
		if q != p {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return domain.PeerID{}, false
	}
	return candidates[s.rng.Intn(len(candidates))], true
}

// ─── internal helpers ───────────────────────────────────────────────────────

func (s *Store[W]) randomKey(m map[domain.PeerID]W) domain.PeerID {
	return s.randomKeyAvoiding(mapKeysAny(m), nil)
}

func mapKeysAny[W any](m map[domain.PeerID]W) map[domain.PeerID]bool {
	// Used only to share the avoiding-selection logic between the active
	// (map[PeerID]W) and passive (map[PeerID]struct{}) maps.
	keys := make(map[domain.PeerID]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}

func (s *Store[W]) randomKeyAvoiding(keys map[domain.PeerID]bool, avoid map[domain.PeerID]bool) domain.PeerID {
	preferred := make([]domain.PeerID, 0, len(keys))
	fallback := make([]domain.PeerID, 0, len(keys))
	for k := range keys {
		fallback = append(fallback, k)
		if avoid == nil || !avoid[k] {
			preferred = append(preferred, k)
		}
	}
	if len(preferred) > 0 {
		return preferred[s.rng.Intn(len(preferred))]
	}
	return fallback[s.rng.Intn(len(fallback))]
}

func (s *Store[W]) sample(m map[domain.PeerID]W, n int, excluding map[domain.PeerID]bool) []domain.PeerID {
	pool := make([]domain.PeerID, 0, len(m))
	for k := range m {
		if excluding == nil || !excluding[k] {
			pool = append(pool, k)
		}
	}
	return pickN(pool, n, s.rng)
}

func samplePassive(m map[domain.PeerID]struct{}, n int, excluding map[domain.PeerID]bool, rng *rand.Rand) []domain.PeerID {
	pool := make([]domain.PeerID, 0, len(m))
	for k := range m {
		if excluding == nil || !excluding[k] {
			pool = append(pool, k)
		}
	}
	return pickN(pool, n, rng)
}

// pickN returns up to n distinct elements of pool chosen uniformly at
// random, via a partial Fisher-Yates shuffle.
func pickN(pool []domain.PeerID, n int, rng *rand.Rand) []domain.PeerID {
	if n > len(pool) {
		n = len(pool)
	}
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return append([]domain.PeerID(nil), pool[:n]...)
}
